package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
)

var (
	// ErrEmptyPath is returned for an empty path string.
	ErrEmptyPath = errors.New("registry: empty path")

	// ErrUnsupportedPath is returned by AddAny for values that are not a
	// path or a collection of paths.
	ErrUnsupportedPath = errors.New("registry: unsupported path value")
)

// Canonical returns the absolute, cleaned form of path with symlinks
// resolved. Paths that do not exist yet are only made absolute, so a
// watcher can be registered before its directory is created.
func Canonical(path string) (string, error) {
	if path == "" {
		return "", ErrEmptyPath
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("registry: abs %q: %w", path, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	switch {
	case err == nil:
		return resolved, nil
	case errors.Is(err, fs.ErrNotExist):
		return abs, nil
	default:
		return "", fmt.Errorf("registry: resolve %q: %w", path, err)
	}
}

// AddAny adds a path given in any supported form: a string, a fmt.Stringer,
// a []string, a []fmt.Stringer, or a []any whose element type is taken from
// its first member.
func (r *Registry[W]) AddAny(v any) error {
	paths, err := pathsOf(v)
	if err != nil {
		return err
	}
	return r.AddAll(paths...)
}

func pathsOf(v any) ([]string, error) {
	switch v := v.(type) {
	case string:
		return []string{v}, nil
	case fmt.Stringer:
		return []string{v.String()}, nil
	case []string:
		return v, nil
	case []fmt.Stringer:
		out := make([]string, len(v))
		for i, s := range v {
			out[i] = s.String()
		}
		return out, nil
	case []any:
		return pathsOfMixed(v)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedPath, v)
	}
}

// pathsOfMixed converts a []any, requiring every element to have the same
// kind as the first.
func pathsOfMixed(v []any) ([]string, error) {
	if len(v) == 0 {
		return nil, nil
	}
	out := make([]string, len(v))
	switch v[0].(type) {
	case string:
		for i, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("%w: element %d is %T, want string", ErrUnsupportedPath, i, e)
			}
			out[i] = s
		}
	case fmt.Stringer:
		for i, e := range v {
			s, ok := e.(fmt.Stringer)
			if !ok {
				return nil, fmt.Errorf("%w: element %d is %T, want fmt.Stringer", ErrUnsupportedPath, i, e)
			}
			out[i] = s.String()
		}
	default:
		return nil, fmt.Errorf("%w: []any of %T", ErrUnsupportedPath, v[0])
	}
	return out, nil
}

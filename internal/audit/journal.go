// Package audit provides a tamper-evident, append-only journal of released
// batches. Every record is SHA-256 hash-chained to its predecessor, so a
// removed, reordered or edited batch is detected by Verify.
//
// # Hash chain
//
// The event_hash for record N is computed as:
//
//	SHA-256( JSON({seq, ts, batch, prev_hash}) )
//
// where batch is the exact JSON encoding stored on the line. The genesis
// record (seq=1) uses a prev_hash of 64 ASCII zero characters.
//
// # Append semantics
//
// Each record is encoded as a single JSON line terminated by '\n' and
// written to a file opened with O_APPEND.
package audit

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/tripwire/dirwatch/internal/agent"
)

// GenesisHash is the all-zero SHA-256 hex digest used as the prev_hash of
// the first record in the chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// maxLine bounds a single journal line when replaying.
const maxLine = 16 * 1024 * 1024

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("audit: journal closed")

// Record is one verified journal entry.
type Record struct {
	Seq       int64       `json:"seq"`
	Timestamp time.Time   `json:"ts"`
	Batch     agent.Batch `json:"batch"`
	PrevHash  string      `json:"prev_hash"`
	EventHash string      `json:"event_hash"`
}

// line is the on-disk form. The batch stays raw so the hash is computed
// over exactly the bytes that were written.
type line struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Batch     json.RawMessage `json:"batch"`
	PrevHash  string          `json:"prev_hash"`
	EventHash string          `json:"event_hash"`
}

// content is the hashed subset of line.
type content struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Batch     json.RawMessage `json:"batch"`
	PrevHash  string          `json:"prev_hash"`
}

// Journal appends batches to a hash-chained file. It implements agent.Sink
// and is safe for concurrent use.
type Journal struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
	closed   bool
}

// Open opens (or creates) the journal at path. An existing file is replayed
// and verified so that the chain continues from its last record; a broken
// chain is an error.
func Open(path string) (*Journal, error) {
	seq, prevHash := int64(0), GenesisHash

	f, err := os.Open(path)
	switch {
	case err == nil:
		seq, prevHash, err = replay(f, nil)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("audit: replay %q: %w", path, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("audit: open for reading %q: %w", path, err)
	}

	af, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open for appending %q: %w", path, err)
	}
	return &Journal{file: af, prevHash: prevHash, seq: seq}, nil
}

// Append writes b as the next record and returns it.
func (j *Journal) Append(b agent.Batch) (Record, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return Record{}, fmt.Errorf("audit: marshal batch: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return Record{}, ErrClosed
	}

	c := content{
		Seq:       j.seq + 1,
		Timestamp: time.Now().UTC(),
		Batch:     raw,
		PrevHash:  j.prevHash,
	}
	l := line{
		Seq:       c.Seq,
		Timestamp: c.Timestamp,
		Batch:     c.Batch,
		PrevHash:  c.PrevHash,
		EventHash: hashContent(c),
	}

	out, err := json.Marshal(l)
	if err != nil {
		return Record{}, fmt.Errorf("audit: marshal record: %w", err)
	}
	if _, err := j.file.Write(append(out, '\n')); err != nil {
		return Record{}, fmt.Errorf("audit: write record: %w", err)
	}

	j.seq = l.Seq
	j.prevHash = l.EventHash
	return Record{
		Seq:       l.Seq,
		Timestamp: l.Timestamp,
		Batch:     b,
		PrevHash:  l.PrevHash,
		EventHash: l.EventHash,
	}, nil
}

// Deliver implements agent.Sink.
func (j *Journal) Deliver(_ context.Context, b agent.Batch) error {
	_, err := j.Append(b)
	return err
}

// Head returns the sequence number and hash of the last record, or 0 and
// GenesisHash for an empty journal.
func (j *Journal) Head() (int64, string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq, j.prevHash
}

// Close syncs and closes the file. Subsequent calls are no-ops.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.file.Sync(); err != nil {
		_ = j.file.Close()
		return fmt.Errorf("audit: sync: %w", err)
	}
	return j.file.Close()
}

// Verify reads the journal at path, checks the full hash chain and returns
// its records in order. An empty file is valid.
func Verify(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: verify open %q: %w", path, err)
	}
	defer f.Close()

	var records []Record
	_, _, err = replay(f, func(l line) error {
		r := Record{
			Seq:       l.Seq,
			Timestamp: l.Timestamp,
			PrevHash:  l.PrevHash,
			EventHash: l.EventHash,
		}
		if err := json.Unmarshal(l.Batch, &r.Batch); err != nil {
			return fmt.Errorf("decode batch at seq %d: %w", l.Seq, err)
		}
		records = append(records, r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("audit: verify %q: %w", path, err)
	}
	return records, nil
}

// replay walks every line of r, verifying linkage and hashes, and calls fn
// for each verified line when fn is non-nil. It returns the last sequence
// number and hash.
func replay(r io.Reader, fn func(line) error) (int64, string, error) {
	seq, prevHash := int64(0), GenesisHash

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var l line
		if err := json.Unmarshal(raw, &l); err != nil {
			return 0, "", fmt.Errorf("malformed record after seq %d: %w", seq, err)
		}
		if l.PrevHash != prevHash {
			return 0, "", fmt.Errorf("chain break at seq %d: expected prev_hash %q, got %q",
				l.Seq, prevHash, l.PrevHash)
		}
		if l.Seq != seq+1 {
			return 0, "", fmt.Errorf("sequence gap: expected seq %d, got %d", seq+1, l.Seq)
		}
		computed := hashContent(content{
			Seq:       l.Seq,
			Timestamp: l.Timestamp,
			Batch:     l.Batch,
			PrevHash:  l.PrevHash,
		})
		if computed != l.EventHash {
			return 0, "", fmt.Errorf("hash mismatch at seq %d: stored %q, computed %q",
				l.Seq, l.EventHash, computed)
		}
		if fn != nil {
			if err := fn(l); err != nil {
				return 0, "", err
			}
		}
		seq, prevHash = l.Seq, l.EventHash
	}
	if err := scanner.Err(); err != nil {
		return 0, "", err
	}
	return seq, prevHash, nil
}

// hashContent computes the SHA-256 hex digest of the JSON-encoded content.
func hashContent(c content) string {
	raw, err := json.Marshal(c)
	if err != nil {
		// Every field is JSON-serialisable and Batch is already valid JSON.
		panic(fmt.Sprintf("audit: marshal content: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

package rest

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
)

// NewRouter returns a configured chi.Router for the dirwatch control API.
//
// Route layout:
//
//	GET    /healthz               – liveness probe (no authentication required)
//	GET    /api/v1/paths          – list watched roots
//	POST   /api/v1/paths          – start watching a root
//	DELETE /api/v1/paths?path=    – stop watching a root
//	GET    /api/v1/batches        – unacknowledged batches from the local queue
//	POST   /api/v1/batches/ack    – acknowledge queued batches
//	GET    /api/v1/events         – stored events query
//	GET    /api/v1/stream         – live batch stream (websocket)
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on all
// /api routes. Pass nil to disable JWT validation.
func NewRouter(srv *Server, pubKey *rsa.PublicKey, opts ...jwt.ParserOption) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey, srv.logger, opts...))
		}

		r.Get("/paths", srv.handleGetPaths)
		r.Post("/paths", srv.handleAddPath)
		r.Delete("/paths", srv.handleRemovePath)
		r.Get("/batches", srv.handleGetBatches)
		r.Post("/batches/ack", srv.handleAckBatches)
		r.Get("/events", srv.handleGetEvents)
		r.Get("/stream", srv.handleStream)
	})

	return r
}

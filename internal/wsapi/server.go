package wsapi

import (
	"net/http"

	"github.com/liftsync/meetserver/internal/auth"
	"github.com/liftsync/meetserver/internal/meet"
	"github.com/liftsync/meetserver/internal/middleware"
	"github.com/liftsync/meetserver/internal/storage"
)

// NewHandler builds the process's top-level HTTP handler: the WebSocket
// upgrade endpoint and a liveness probe. The client-IP middleware runs
// ahead of the upgrade so the rate limiter keys on the proxy-aware address
// rather than the raw TCP peer.
func NewHandler(authSvc *auth.Service, registry *meet.Registry, store *storage.Store) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		Serve(w, r, authSvc, registry, store)
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return middleware.ClientIPMiddleware()(mux)
}

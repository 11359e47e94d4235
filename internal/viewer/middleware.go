package viewer

import (
	"net/http"

	"github.com/gorilla/mux"
)

// PeerHeader carries the serving peer's session id on every response.
const PeerHeader = "X-Tempolink-Peer"

// monitorHeaders marks responses as uncacheable snapshots of one peer.
func (v *Viewer) monitorHeaders() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Cache-Control", "no-store")
			h.Set(PeerHeader, v.Engine.ID())
			next.ServeHTTP(w, r)
		})
	}
}

package peerauth

import (
	"encoding/json"
	"net"
	"net/http"
)

// RequireAuth wraps next, enforcing the Gate on every request. /health is
// expected to be mounted outside this wrapper entirely (see component
// design: "Call C1 before routing any request except /health").
func (g *Gate) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if g.Verify(r.Context(), host) != Allow {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "auth_denied"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

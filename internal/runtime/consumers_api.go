package runtime

import (
	"net/http"
	"strings"

	"github.com/drblury/hookflow/internal/httpapi"
)

// ConsumersPath serves the registered consumers with their live stats.
const ConsumersPath = "/api/consumers"

func (s *Service) mountConsumersAPI() {
	s.httpRouter.HandleFunc(ConsumersPath, s.handleGetConsumers).Methods(http.MethodGet, http.MethodOptions)
}

func (s *Service) handleGetConsumers(w http.ResponseWriter, r *http.Request) {
	if origin := s.allowedCORSOrigin(r.Header.Get("Origin")); origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, s.Consumers())
}

// allowedCORSOrigin returns the Access-Control-Allow-Origin value for the
// request origin, or "" when it is not allowed.
func (s *Service) allowedCORSOrigin(origin string) string {
	for _, allowed := range s.conf.HTTP.CORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(allowed, origin) {
			return origin
		}
	}
	return ""
}

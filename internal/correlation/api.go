package correlation

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/drblury/hookflow/internal/httpapi"
	"github.com/drblury/hookflow/internal/runtime/logging"
)

// DefaultBasePath is where the correlation API is mounted.
const DefaultBasePath = "/api/correlations"

// API exposes correlation lookups and callback re-triggers over HTTP.
type API struct {
	tracker *Tracker
	log     logging.ServiceLogger
}

func NewAPI(tracker *Tracker, log logging.ServiceLogger) *API {
	return &API{
		tracker: tracker,
		log:     logging.OrNop(log).With(logging.LogFields{"component": "correlation-api"}),
	}
}

// Register mounts the routes under basePath (DefaultBasePath when empty). mw
// wraps every route.
func (a *API) Register(router *mux.Router, basePath string, mw ...mux.MiddlewareFunc) {
	if basePath == "" {
		basePath = DefaultBasePath
	}
	sub := router.PathPrefix("/" + strings.Trim(basePath, "/")).Subrouter()
	sub.Use(mw...)
	sub.HandleFunc("/{id}", a.get).Methods(http.MethodGet)
	sub.HandleFunc("/{id}/retrigger", a.retrigger).Methods(http.MethodPost)
}

func (a *API) get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := a.tracker.Get(r.Context(), id)
	if err != nil {
		a.fail(w, "get correlation", id, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, rec)
}

func (a *API) retrigger(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := a.tracker.Retrigger(r.Context(), id)
	if err != nil {
		a.fail(w, "retrigger correlation", id, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusAccepted, rec)
}

func (a *API) fail(w http.ResponseWriter, op, id string, err error) {
	if httpapi.Status(err) == http.StatusInternalServerError {
		a.log.Error("Correlation API request failed", err, logging.LogFields{"op": op, "correlation_id": id})
	}
	httpapi.WriteError(w, err)
}

package recovery

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/drblury/hookflow/internal/failures"
	"github.com/drblury/hookflow/internal/httpapi"
	configpkg "github.com/drblury/hookflow/internal/runtime/config"
	errspkg "github.com/drblury/hookflow/internal/runtime/errors"
	"github.com/drblury/hookflow/internal/runtime/logging"
)

const dateOnly = "2006-01-02"

// BulkRequest is the body of the bulk endpoints.
type BulkRequest struct {
	IDs []string `json:"ids"`
}

// API serves the recovery operations over HTTP.
type API struct {
	svc     *Service
	maxBody int64
	log     logging.ServiceLogger
}

func NewAPI(svc *Service, log logging.ServiceLogger) *API {
	return &API{
		svc:     svc,
		maxBody: configpkg.DefaultMaxBodyBytes,
		log:     logging.OrNop(log).With(logging.LogFields{"component": "recovery-api"}),
	}
}

// Register mounts the routes under the configured base path. mw wraps every
// route, typically with API key authentication. Nothing is mounted when the
// API is disabled.
func (a *API) Register(router *mux.Router, mw ...mux.MiddlewareFunc) bool {
	if !a.svc.conf.EnableAPI {
		return false
	}
	sub := router.PathPrefix("/" + strings.Trim(a.svc.conf.BasePath, "/")).Subrouter()
	sub.Use(mw...)

	sub.HandleFunc("/messages", a.list).Methods(http.MethodGet)
	sub.HandleFunc("/statistics", a.statistics).Methods(http.MethodGet)
	sub.HandleFunc("/metrics", a.metrics).Methods(http.MethodGet)
	sub.HandleFunc("/messages/bulk-reprocess", a.bulkReprocess).Methods(http.MethodPost)
	sub.HandleFunc("/messages/bulk-delete", a.bulkDelete).Methods(http.MethodDelete)
	sub.HandleFunc("/messages/{id}", a.get).Methods(http.MethodGet)
	sub.HandleFunc("/messages/{id}", a.edit).Methods(http.MethodPut)
	sub.HandleFunc("/messages/{id}", a.remove).Methods(http.MethodDelete)
	sub.HandleFunc("/messages/{id}/reprocess", a.reprocess).Methods(http.MethodPost)
	return true
}

func (a *API) list(w http.ResponseWriter, r *http.Request) {
	filter, err := ParseFilter(r)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	page, err := a.svc.List(r.Context(), filter, ParsePage(r))
	if err != nil {
		a.fail(w, "list", "", err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, page)
}

func (a *API) get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.fail(w, "get", id, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, rec)
}

func (a *API) statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := a.svc.Statistics(r.Context())
	if err != nil {
		a.fail(w, "statistics", "", err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, stats)
}

func (a *API) metrics(w http.ResponseWriter, _ *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, a.svc.Metrics())
}

func (a *API) reprocess(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	res, err := a.svc.Reprocess(r.Context(), id)
	if err != nil {
		a.fail(w, "reprocess", id, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusAccepted, res)
}

func (a *API) bulkReprocess(w http.ResponseWriter, r *http.Request) {
	var req BulkRequest
	if err := httpapi.DecodeJSON(w, r, a.maxBody, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	res, err := a.svc.BulkReprocess(r.Context(), req.IDs)
	if err != nil {
		a.fail(w, "bulk reprocess", "", err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, res)
}

func (a *API) edit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req EditRequest
	if err := httpapi.DecodeJSON(w, r, a.maxBody, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	rec, err := a.svc.Edit(r.Context(), id, req)
	if err != nil {
		a.fail(w, "edit", id, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, rec)
}

func (a *API) remove(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.svc.Delete(r.Context(), id); err != nil {
		a.fail(w, "delete", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) bulkDelete(w http.ResponseWriter, r *http.Request) {
	var req BulkRequest
	if err := httpapi.DecodeJSON(w, r, a.maxBody, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	res, err := a.svc.BulkDelete(r.Context(), req.IDs)
	if err != nil {
		a.fail(w, "bulk delete", "", err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, res)
}

func (a *API) fail(w http.ResponseWriter, op, id string, err error) {
	if httpapi.Status(err) == http.StatusInternalServerError {
		a.log.Error("Recovery API request failed", err, logging.LogFields{"op": op, "failure_id": id})
	}
	httpapi.WriteError(w, err)
}

// ParseFilter reads the list filters from the query string. fromDate and
// toDate accept RFC 3339 timestamps or plain dates; a plain toDate covers the
// whole day.
func ParseFilter(r *http.Request) (failures.Filter, error) {
	q := r.URL.Query()
	f := failures.Filter{
		MessageType:   strings.TrimSpace(q.Get("messageType")),
		SearchText:    strings.TrimSpace(q.Get("searchText")),
		FailureSource: failures.Source(q.Get("failureSource")),
		Status:        failures.Status(q.Get("status")),
		Queue:         q.Get("queue"),
	}
	if raw := q.Get("canReprocess"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return f, fmt.Errorf("%w: canReprocess must be true or false", errspkg.ErrInvalidPayload)
		}
		f.CanReprocess = &v
	}
	if f.FailureSource != "" && !f.FailureSource.Valid() {
		return f, fmt.Errorf("%w: unknown failureSource %q", errspkg.ErrInvalidPayload, f.FailureSource)
	}

	var err error
	if f.From, err = parseDate(q.Get("fromDate"), false); err != nil {
		return f, err
	}
	if f.To, err = parseDate(q.Get("toDate"), true); err != nil {
		return f, err
	}
	return f, nil
}

// ParsePage reads page and pageSize from the query string. Missing or
// malformed values fall back to the defaults.
func ParsePage(r *http.Request) failures.PageRequest {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("pageSize"))
	return failures.PageRequest{Page: page, PageSize: size}.Normalize()
}

func parseDate(raw string, endOfDay bool) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		ts = ts.UTC()
		return &ts, nil
	}
	day, err := time.Parse(dateOnly, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date %q", errspkg.ErrInvalidPayload, raw)
	}
	if endOfDay {
		day = day.Add(24*time.Hour - time.Nanosecond)
	}
	return &day, nil
}

package ingress

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/drblury/hookflow/internal/correlation"
	"github.com/drblury/hookflow/internal/httpapi"
	configpkg "github.com/drblury/hookflow/internal/runtime/config"
	errspkg "github.com/drblury/hookflow/internal/runtime/errors"
	"github.com/drblury/hookflow/internal/runtime/ids"
	"github.com/drblury/hookflow/internal/runtime/logging"
	"github.com/drblury/hookflow/internal/runtime/metadata"
)

// Request headers understood by the gate.
const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderCompletionURL = "X-Completion-URL"
)

// Dispatcher resolves ingress paths and hands payloads to consumers.
// *runtime.Service satisfies it.
type Dispatcher interface {
	Route(path string) (string, bool)
	ValidatePayload(messageType string, payload []byte) error
	Dispatch(ctx context.Context, messageType string, payload []byte, md metadata.Metadata) (string, error)
}

// Correlations opens and fails correlation records. *correlation.Tracker
// satisfies it.
type Correlations interface {
	Begin(ctx context.Context, req correlation.BeginRequest) (correlation.Record, error)
	CompleteCorrelation(ctx context.Context, id string, outcome correlation.Outcome) (correlation.Record, bool, error)
}

// Request is one inbound webhook call.
type Request struct {
	// Path is the full request path including the ingress prefix.
	Path   string
	Header http.Header
	Body   []byte
}

// Result is the gate's answer. Status is always set.
type Result struct {
	Status        int      `json:"-"`
	MessageID     string   `json:"messageId,omitempty"`
	CorrelationID string   `json:"correlationId,omitempty"`
	MessageType   string   `json:"messageType,omitempty"`
	Message       string   `json:"message,omitempty"`
	Errors        []string `json:"errors,omitempty"`
}

// Accepted reports whether the request was handed to the dispatcher.
func (r Result) Accepted() bool {
	return r.Status == http.StatusAccepted
}

// Gate validates webhook requests and dispatches them asynchronously.
type Gate struct {
	conf         configpkg.IngressConfig
	auth         *APIKeyAuth
	dispatcher   Dispatcher
	correlations Correlations
	ids          ids.Generator
	now          func() time.Time
	log          logging.ServiceLogger
}

// NewGate builds a gate. correlations may be nil, in which case correlation
// headers are ignored.
func NewGate(conf configpkg.IngressConfig, dispatcher Dispatcher, correlations Correlations, log logging.ServiceLogger) (*Gate, error) {
	if dispatcher == nil {
		return nil, errspkg.ErrDispatcherRequired
	}
	if conf.MaxBodyBytes <= 0 {
		conf.MaxBodyBytes = configpkg.DefaultMaxBodyBytes
	}
	log = logging.OrNop(log).With(logging.LogFields{"component": "ingress"})
	return &Gate{
		conf:         conf,
		auth:         NewAPIKeyAuth(conf.APIKeys, log),
		dispatcher:   dispatcher,
		correlations: correlations,
		ids:          ids.ULID,
		now:          time.Now,
		log:          log,
	}, nil
}

// Auth returns the API key checker so management APIs can share it.
func (g *Gate) Auth() *APIKeyAuth {
	return g.auth
}

// Register mounts the gate for every POST under the configured prefix.
func (g *Gate) Register(router *mux.Router) {
	prefix := "/" + strings.Trim(g.conf.PathPrefix, "/")
	if prefix == "/" {
		router.PathPrefix("/").Handler(g).Methods(http.MethodPost)
		return
	}
	router.PathPrefix(prefix + "/").Handler(g).Methods(http.MethodPost)
}

// Accept authenticates, validates and dispatches one request. It never
// blocks on consumer processing.
func (g *Gate) Accept(ctx context.Context, req Request) Result {
	keyDescription, err := g.auth.Authorize(req.Header.Get(HeaderAPIKey), req.Path)
	if err != nil {
		g.log.Debug("Webhook rejected", logging.LogFields{"path": req.Path, "reason": err.Error()})
		return Result{Status: http.StatusUnauthorized, Message: err.Error()}
	}

	relative, ok := g.relativePath(req.Path)
	if !ok {
		return Result{Status: http.StatusNotFound, Message: "no handler for path " + req.Path}
	}
	messageType, ok := g.dispatcher.Route(relative)
	if !ok {
		return Result{Status: http.StatusNotFound, Message: "no handler for path " + req.Path}
	}
	if err := g.dispatcher.ValidatePayload(messageType, req.Body); err != nil {
		return g.failure(err, messageType, "")
	}

	messageID := g.ids.NewID()
	correlationID := strings.TrimSpace(req.Header.Get(HeaderCorrelationID))
	callbackURL := strings.TrimSpace(req.Header.Get(HeaderCompletionURL))
	if correlationID == "" && callbackURL != "" {
		correlationID = g.ids.NewID()
	}
	if correlationID != "" && g.correlations != nil {
		_, err := g.correlations.Begin(ctx, correlation.BeginRequest{
			CorrelationID: correlationID,
			MessageType:   messageType,
			MessageID:     messageID,
			CallbackURL:   callbackURL,
		})
		if err != nil {
			return g.failure(err, messageType, correlationID)
		}
	}

	md := metadata.New(
		metadata.KeyOriginalMessageID, messageID,
		metadata.KeyIngressPath, relative,
	)
	md.SetTime(metadata.KeyReceivedAt, g.now())
	if correlationID != "" {
		md[metadata.KeyCorrelationID] = correlationID
	}

	if _, err := g.dispatcher.Dispatch(ctx, messageType, req.Body, md); err != nil {
		g.log.Error("Dispatch failed", err, logging.LogFields{
			"message_type":   messageType,
			"message_id":     messageID,
			"correlation_id": correlationID,
		})
		if correlationID != "" && g.correlations != nil {
			failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			_, _, cerr := g.correlations.CompleteCorrelation(failCtx, correlationID, correlation.Failed("dispatch failed: "+err.Error()))
			cancel()
			if cerr != nil {
				g.log.Error("Failed to fail correlation after dispatch error", cerr, logging.LogFields{"correlation_id": correlationID})
			}
		}
		return Result{Status: http.StatusInternalServerError, Message: "failed to dispatch message", CorrelationID: correlationID}
	}

	g.log.Info("Webhook accepted", logging.LogFields{
		"message_type":   messageType,
		"message_id":     messageID,
		"correlation_id": correlationID,
		"api_key":        keyDescription,
	})
	return Result{
		Status:        http.StatusAccepted,
		MessageID:     messageID,
		CorrelationID: correlationID,
		MessageType:   messageType,
	}
}

func (g *Gate) failure(err error, messageType, correlationID string) Result {
	status := httpapi.Status(err)
	if status == http.StatusInternalServerError {
		g.log.Error("Webhook failed", err, logging.LogFields{
			"message_type":   messageType,
			"correlation_id": correlationID,
		})
		return Result{Status: status, Message: "internal error", CorrelationID: correlationID}
	}
	return Result{Status: status, Message: err.Error(), Errors: httpapi.FieldErrors(err), CorrelationID: correlationID}
}

func (g *Gate) relativePath(path string) (string, bool) {
	path = strings.Trim(path, "/")
	prefix := strings.Trim(g.conf.PathPrefix, "/")
	if prefix == "" {
		return path, path != ""
	}
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok || (rest != "" && rest[0] != '/') {
		return "", false
	}
	rest = strings.Trim(rest, "/")
	return rest, rest != ""
}

// ServeHTTP adapts Accept to HTTP. Unexpected panics answer 500.
func (g *Gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if v := recover(); v != nil {
			g.log.Error("Webhook handler panicked", fmt.Errorf("panic: %v", v), logging.LogFields{"path": r.URL.Path})
			httpapi.WriteMessage(w, http.StatusInternalServerError, "internal error")
		}
	}()

	body, err := httpapi.ReadBody(w, r, g.conf.MaxBodyBytes)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpapi.WriteMessage(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		httpapi.WriteError(w, err)
		return
	}

	res := g.Accept(r.Context(), Request{Path: r.URL.Path, Header: r.Header, Body: body})
	httpapi.WriteJSON(w, res.Status, res)
}

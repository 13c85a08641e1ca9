package hookflow

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/hookflow/internal/correlation"
	"github.com/drblury/hookflow/internal/failures"
	"github.com/drblury/hookflow/internal/notifier"
	"github.com/drblury/hookflow/internal/runtime/jsoncodec"
	"github.com/drblury/hookflow/internal/storage"
	"github.com/drblury/hookflow/transport"
)

const waitFor = 5 * time.Second

type invoiceProcessed struct {
	InvoiceID string  `json:"invoiceId" validate:"required"`
	Amount    float64 `json:"amount"`
}

func channelFactory(_ context.Context, _ transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64, PreserveContext: true}, logger)
	return transport.Transport{Publisher: pubSub, Subscriber: pubSub}, nil
}

func testLogger() ServiceLogger {
	return NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testConfig() Config {
	conf := DefaultConfig()
	conf.HTTP.Address = "127.0.0.1:0"
	conf.HTTP.ShutdownTimeout = 2 * time.Second
	conf.Ingress.APIKeys = map[string]APIKey{
		"billing": {Description: "billing system", AllowedPaths: []string{"/webhooks/*", "/api/*"}},
	}
	conf.Notifier.Schedule = "@every 1h"
	conf.Consumers = map[string]ConsumerConfig{
		"invoices": {
			Path:      "invoices",
			ErrorMode: "advanced",
			Retry:     RetryConfig{MaxRetries: 5, Delay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		},
	}
	return conf
}

type callbackSink struct {
	mu       sync.Mutex
	payloads []notifier.Payload
}

func (c *callbackSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var p notifier.Payload
	if err := jsoncodec.Decode(r.Body, &p); err == nil {
		c.mu.Lock()
		c.payloads = append(c.payloads, p)
		c.mu.Unlock()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *callbackSink) received() []notifier.Payload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notifier.Payload(nil), c.payloads...)
}

func startApp(t *testing.T, app *App) {
	t.Helper()
	t.Cleanup(func() { _ = app.Close() })
	go func() { _ = app.Start(context.Background()) }()
	select {
	case <-app.Service.Running():
	case <-time.After(waitFor):
		t.Fatal("app did not start")
	}
}

func call(h http.Handler, method, target, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	conf := testConfig()
	conf.Storage.Driver = "oracle"

	_, err := New(context.Background(), conf, Options{TransportFactory: channelFactory})
	var invalid ConfigValidationError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, err.Error(), "oracle")
}

func TestInvoiceFailureReachesRecoveryAndCallback(t *testing.T) {
	t.Parallel()
	sink := &callbackSink{}
	callback := httptest.NewServer(sink)
	t.Cleanup(callback.Close)

	app, err := New(context.Background(), testConfig(), Options{
		Logger:           testLogger(),
		TransportFactory: channelFactory,
		HTTPClient:       callback.Client(),
	})
	require.NoError(t, err)
	require.NotNil(t, app.Scheduler)

	handled := make(chan ErrorContext[invoiceProcessed], 1)
	require.NoError(t, RegisterJSONConsumer(app.Service, JSONConsumerRegistration[invoiceProcessed]{
		Name:        "invoices",
		MessageType: "InvoiceProcessedContract",
		Handler: func(context.Context, JSONMessageContext[invoiceProcessed]) (any, error) {
			return nil, Typed("System.InvalidOperationException", errors.New("ledger is locked"))
		},
		ErrorHandler: func(_ context.Context, failure ErrorContext[invoiceProcessed]) error {
			handled <- failure
			return nil
		},
	}))
	startApp(t, app)

	auth := http.Header{}
	auth.Set(HeaderAPIKey, "billing")
	webhook := auth.Clone()
	webhook.Set(HeaderCorrelationID, "corr-inv-1")
	webhook.Set(HeaderCompletionURL, callback.URL+"/done")

	rec := call(app.Handler(), http.MethodPost, "/webhooks/invoices", `{"invoiceId":"INV-1","amount":99.5}`, webhook)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var failure ErrorContext[invoiceProcessed]
	select {
	case failure = <-handled:
	case <-time.After(waitFor):
		t.Fatal("error handler was not invoked")
	}
	assert.Equal(t, "corr-inv-1", failure.CorrelationID)
	assert.Equal(t, 5, failure.RetryCount)
	assert.NotEmpty(t, failure.FailureID)

	require.Eventually(t, func() bool { return len(sink.received()) == 1 }, waitFor, 10*time.Millisecond)
	payload := sink.received()[0]
	assert.Equal(t, "corr-inv-1", payload.CorrelationID)
	assert.Equal(t, string(StatusFailed), payload.Status)
	assert.Contains(t, payload.ErrorMessage, "ledger is locked")

	rec = call(app.Handler(), http.MethodGet, "/api/dlq/messages?messageType=InvoiceProcessedContract&canReprocess=true", "", auth)
	require.Equal(t, http.StatusOK, rec.Code)
	var page failures.Page
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, failure.FailureID, page.Items[0].ID)
	assert.Equal(t, "System.InvalidOperationException", page.Items[0].ErrorType)
	assert.Equal(t, 5, page.Items[0].RetryCount)

	var corr correlation.Record
	require.Eventually(t, func() bool {
		rec := call(app.Handler(), http.MethodGet, "/api/correlations/corr-inv-1", "", auth)
		return rec.Code == http.StatusOK &&
			jsoncodec.Unmarshal(rec.Body.Bytes(), &corr) == nil &&
			corr.NotifiedAt != nil
	}, waitFor, 10*time.Millisecond, "callback delivery is recorded")
	assert.Equal(t, StatusFailed, corr.Status)

	assert.Equal(t, http.StatusUnauthorized, call(app.Handler(), http.MethodGet, "/api/dlq/statistics", "", nil).Code)
}

func TestAppWithSQLiteStorage(t *testing.T) {
	t.Parallel()
	conf := testConfig()
	conf.Storage.Driver = "sqlite3"
	conf.Storage.DSN = storage.MemorySQLiteDSN(t.Name())
	conf.Notifier.Enabled = false
	conf.Metrics.Enabled = true

	app, err := New(context.Background(), conf, Options{
		Logger:           testLogger(),
		TransportFactory: channelFactory,
		Registerer:       prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	assert.Nil(t, app.Scheduler)
	require.NotNil(t, app.Metrics)

	_, isSQL := app.Failures.(*failures.SQLStore)
	assert.True(t, isSQL)
	_, isSQL = app.Tracker.Store().(*correlation.SQLStore)
	assert.True(t, isSQL)

	require.NoError(t, app.Close())
	require.NoError(t, app.Close())
}

package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	level  string
	msg    string
	fields LogFields
	err    error
}

// recorder is a ServiceLogger whose children share the parent's entries.
type recorder struct {
	base    LogFields
	entries *[]entry
}

func newRecorder() *recorder {
	return &recorder{entries: &[]entry{}}
}

func (r *recorder) merged(fields LogFields) LogFields {
	out := LogFields{}
	for k, v := range r.base {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func (r *recorder) add(level, msg string, err error, fields LogFields) {
	*r.entries = append(*r.entries, entry{level: level, msg: msg, err: err, fields: r.merged(fields)})
}

func (r *recorder) With(fields LogFields) ServiceLogger {
	return &recorder{base: r.merged(fields), entries: r.entries}
}
func (r *recorder) Debug(msg string, fields LogFields) { r.add("debug", msg, nil, fields) }
func (r *recorder) Info(msg string, fields LogFields)  { r.add("info", msg, nil, fields) }
func (r *recorder) Trace(msg string, fields LogFields) { r.add("trace", msg, nil, fields) }
func (r *recorder) Error(msg string, err error, fields LogFields) {
	r.add("error", msg, err, fields)
}

func TestNewLevelsAndFormats(t *testing.T) {
	t.Parallel()

	cases := []struct {
		level, format string
		emit          func(ServiceLogger)
		want          string
		hidden        bool
	}{
		{level: "warn", format: "json", emit: func(l ServiceLogger) { l.Info("hidden", nil) }, hidden: true},
		{level: "warn", format: "json", emit: func(l ServiceLogger) {
			l.Error("Consumer failed", errors.New("ledger is locked"), LogFields{"consumer": "invoices"})
		}, want: `"consumer":"invoices"`},
		{level: "debug", format: "text", emit: func(l ServiceLogger) { l.Debug("Consumer started", nil) }, want: `msg="Consumer started"`},
		{level: "trace", format: "text", emit: func(l ServiceLogger) { l.Trace("deep", nil) }, want: "msg=deep"},
		{level: "info", format: "text", emit: func(l ServiceLogger) { l.Trace("deep", nil) }, hidden: true},
		{level: "bogus", format: "", emit: func(l ServiceLogger) { l.Info("fallback", nil) }, want: "msg=fallback"},
	}
	for _, tc := range cases {
		t.Run(tc.level+"/"+tc.format+"/"+tc.want, func(t *testing.T) {
			t.Parallel()
			buf := &bytes.Buffer{}
			tc.emit(New(buf, tc.level, tc.format))
			if tc.hidden {
				assert.Empty(t, buf.String())
				return
			}
			assert.Contains(t, buf.String(), tc.want)
		})
	}
}

func TestWithTagsEveryEntry(t *testing.T) {
	t.Parallel()
	buf := &bytes.Buffer{}
	log := New(buf, "info", "json").With(LogFields{"component": "notifier"})

	log.Info("Sweep finished", LogFields{"delivered": 2})
	log.Error("Callback failed", errors.New("503"), nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.Contains(t, line, `"component":"notifier"`)
	}
	assert.Contains(t, lines[0], `"delivered":2`)
}

func TestWatermillAdapterRoundTrip(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	adapter := NewWatermillAdapter(rec.With(LogFields{"component": "service"}))

	adapter.Info("Starting handler", watermill.LogFields{"topic": "invoices"})
	adapter.With(watermill.LogFields{"subscriber": "invoices-error"}).Debug("Subscribed", nil)
	adapter.Error("Publish failed", errors.New("closed"), nil)
	adapter.Trace("tick", nil)

	entries := *rec.entries
	require.Len(t, entries, 4)
	assert.Equal(t, "info", entries[0].level)
	assert.Equal(t, LogFields{"component": "service", "topic": "invoices"}, entries[0].fields)
	assert.Equal(t, "invoices-error", entries[1].fields["subscriber"])
	assert.EqualError(t, entries[2].err, "closed")
	assert.Equal(t, "trace", entries[3].level)

	// Wrapping the adapter again keeps writing through the same sink.
	back := NewWatermillServiceLogger(adapter)
	back.With(LogFields{"consumer": "invoices"}).Info("Consumer completed", nil)
	require.Len(t, *rec.entries, 5)
	assert.Equal(t, "invoices", (*rec.entries)[4].fields["consumer"])
}

func TestFieldConversionsKeepNil(t *testing.T) {
	t.Parallel()
	assert.Nil(t, toWatermillFields(nil))
	assert.Nil(t, toWatermillFields(LogFields{}))
	assert.Nil(t, fromWatermillFields(nil))
	assert.Equal(t, LogFields{"a": 1}, fromWatermillFields(toWatermillFields(LogFields{"a": 1})))
}

func TestConstructorsRejectNil(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { NewSlogServiceLogger(nil) })
	assert.Panics(t, func() { NewWatermillServiceLogger(nil) })
	assert.Panics(t, func() { NewWatermillAdapter(nil) })
	assert.NotPanics(t, func() {
		NewSlogServiceLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))).Info("ok", nil)
	})
}

func TestNopAndOrNop(t *testing.T) {
	t.Parallel()
	assert.NotPanics(t, func() {
		NewNop().With(LogFields{"a": 1}).Error("ignored", errors.New("x"), nil)
	})

	rec := newRecorder()
	assert.Same(t, rec, OrNop(rec))
	assert.NotNil(t, OrNop(nil))
}

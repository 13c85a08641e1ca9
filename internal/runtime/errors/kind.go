package errors

import (
	"context"
	sterrors "errors"
	"fmt"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	pkgerrors "github.com/pkg/errors"
)

// Kind classifies why a handler failed. The set is closed; retry and
// reprocess decisions are made from the kind, never from error type names.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindTimeout
	KindValidation
	KindPermanent
	KindPanic
	KindCanceled
)

var kindNames = map[Kind]string{
	KindUnknown:    "Unknown",
	KindTransient:  "Transient",
	KindTimeout:    "Timeout",
	KindValidation: "Validation",
	KindPermanent:  "Permanent",
	KindPanic:      "Panic",
	KindCanceled:   "Canceled",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindUnknown]
}

// ParseKind is the inverse of String. Unrecognised names map to KindUnknown.
func ParseKind(name string) Kind {
	for kind, candidate := range kindNames {
		if strings.EqualFold(candidate, name) {
			return kind
		}
	}
	return KindUnknown
}

// Retryable reports whether another business retry may succeed.
func (k Kind) Retryable() bool {
	switch k {
	case KindValidation, KindPermanent, KindCanceled:
		return false
	default:
		return true
	}
}

// Reprocessable reports whether a failure of this kind may be resubmitted by
// an operator without editing the payload first.
func (k Kind) Reprocessable() bool {
	return k != KindValidation
}

// HandlerError is returned by consumer handlers to control classification.
// Type is a stable label stored as the failure's errorType.
type HandlerError struct {
	Kind Kind
	Type string
	Err  error
}

func (e *HandlerError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: %v", e.Type, e.Err)
	}
	return e.Err.Error()
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// NewHandlerError wraps err with the given kind and label and records the
// current stack.
func NewHandlerError(kind Kind, errType string, err error) *HandlerError {
	if err == nil {
		err = sterrors.New(kind.String())
	}
	if _, ok := err.(stackTracer); !ok {
		err = pkgerrors.WithStack(err)
	}
	return &HandlerError{Kind: kind, Type: errType, Err: err}
}

func Transient(err error) *HandlerError  { return NewHandlerError(KindTransient, "", err) }
func Permanent(err error) *HandlerError  { return NewHandlerError(KindPermanent, "", err) }
func Validation(err error) *HandlerError { return NewHandlerError(KindValidation, "", err) }

// Typed labels err with errType and treats it as transient.
func Typed(errType string, err error) *HandlerError {
	return NewHandlerError(KindTransient, errType, err)
}

// Classification is the normalised description of a failure.
type Classification struct {
	Kind       Kind
	Type       string
	Message    string
	StackTrace string
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// Classify maps err onto the closed kind set.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}

	c := Classification{Kind: KindUnknown, Message: err.Error()}

	var handlerErr *HandlerError
	var panicErr middleware.RecoveredPanicError
	switch {
	case sterrors.As(err, &handlerErr):
		c.Kind = handlerErr.Kind
		c.Type = handlerErr.Type
	case sterrors.As(err, &panicErr):
		c.Kind = KindPanic
		c.Message = fmt.Sprintf("panic: %v", panicErr.V)
		c.StackTrace = panicErr.Stacktrace
	case sterrors.Is(err, context.DeadlineExceeded):
		c.Kind = KindTimeout
	case sterrors.Is(err, context.Canceled):
		c.Kind = KindCanceled
	case sterrors.Is(err, ErrInvalidPayload):
		c.Kind = KindValidation
	}

	if c.Type == "" {
		c.Type = c.Kind.String()
	}
	if c.StackTrace == "" {
		c.StackTrace = stackOf(err)
	}
	return c
}

func stackOf(err error) string {
	var tracer stackTracer
	if !sterrors.As(err, &tracer) {
		return ""
	}
	return strings.TrimPrefix(fmt.Sprintf("%+v", tracer.StackTrace()), "\n")
}

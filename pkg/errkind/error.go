package errkind

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

var errorRate = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "testpulse_error_rate",
		Help: "number of errors, sorted by reason",
	},
	[]string{"reason"},
)

func init() {
	prometheus.MustRegister(errorRate)
}

// Reason classifies a failure for retry policy and metrics. Kinds, not
// types: callers branch on the reason chain, not on concrete errors.
type Reason string

const (
	// ReasonTransient covers network timeouts, 5xx responses and git
	// transport failures; eligible for retry.
	ReasonTransient Reason = "transient"
	// ReasonSourceDefect covers malformed input data: bad XML, an
	// unparseable python file, an invalid priority value.
	ReasonSourceDefect Reason = "source_defect"
	// ReasonContract covers schema-level violations; aborts the
	// enclosing transaction.
	ReasonContract Reason = "contract"
	// ReasonConfig covers startup configuration problems; the affected
	// subsystem refuses to start.
	ReasonConfig Reason = "config"
	// ReasonShutdown marks work cancelled by process shutdown.
	ReasonShutdown Reason = "shutdown"
	// ReasonUnknown is the default for unclassified errors.
	ReasonUnknown Reason = "unknown"
)

// Error holds a reason, a message and an optional child. The common
// use-case is to wrap errors from callsites:
//
//	if err := doSomething(build); err != nil {
//	    return errkind.ForReason(errkind.ReasonTransient).WithError(err).Errorf("could not fetch build %d", build)
//	}
type Error struct {
	reason  Reason
	message string
	wrapped error
}

// Error makes an Error an error
func (e *Error) Error() string {
	return e.message
}

// Unwrap allows nesting of errors
func (e *Error) Unwrap() error {
	return e.wrapped
}

// Is allows us to say we are an Error
func (e *Error) Is(target error) bool {
	_, is := target.(*Error)
	return is
}

// Reason returns the outermost reason attached to err, or ReasonUnknown
// when err carries none.
func ReasonFor(err error) Reason {
	var kindErr *Error
	if errors.As(err, &kindErr) {
		return kindErr.reason
	}
	return ReasonUnknown
}

// IsTransient reports whether any error in the chain is transient.
func IsTransient(err error) bool {
	for err != nil {
		var kindErr *Error
		if !errors.As(err, &kindErr) {
			return false
		}
		if kindErr.reason == ReasonTransient {
			return true
		}
		err = kindErr.wrapped
	}
	return false
}

// BuilderWithReason starts the builder chain
type BuilderWithReason struct {
	Error
}

// ForReason is a constructor for an Error from a Reason. We expect
// users to then add a child and an error message to this Error.
func ForReason(reason Reason) *BuilderWithReason {
	if reason == "" {
		reason = ReasonUnknown
	}
	return &BuilderWithReason{
		Error: Error{
			reason: reason,
		},
	}
}

// BuilderWithReasonAndError adds a child error to the builder
type BuilderWithReasonAndError struct {
	Error
}

// WithError is a builder that adds a child to the Error. We
// expect users to continue to build the Error by adding a message.
func (e *BuilderWithReason) WithError(err error) *BuilderWithReasonAndError {
	b := &BuilderWithReasonAndError{
		Error: e.Error,
	}
	b.wrapped = err
	return b
}

// Errorf is a builder that adds in the main error to an Error.
// This is expected to be the final builder/producer in a chain,
// so we return an error and not an Error
func (e *BuilderWithReasonAndError) Errorf(format string, args ...interface{}) error {
	e.message = fmt.Sprintf(format, args...)
	errorRate.WithLabelValues(string(e.reason)).Inc()
	return &e.Error
}

// ForError is a constructor for when a caller does not want to add
// a child but instead wants a simple error. For instance, wrapping
// the outcome of a function that doesn't return an Error itself:
//
//	err := errkind.ForReason(errkind.ReasonTransient).ForError(doSomething())
func (e *BuilderWithReason) ForError(err error) error {
	if err == nil {
		return nil
	}
	e.wrapped = err
	e.message = err.Error()
	errorRate.WithLabelValues(string(e.reason)).Inc()
	return &e.Error
}

// DefaultReason is a constructor that adds a reason if needed, when we
// want to ensure that consumers downstream of a callsite have an Error.
//
//	annotated := DefaultReason(doSomething())
func DefaultReason(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, &Error{}) {
		return err
	}

	return ForReason(ReasonUnknown).ForError(err)
}

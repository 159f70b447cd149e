package eventbus

import (
	"errors"
	"fmt"
	"reflect"
)

// Bus errors
var (
	ErrBusClosed         = errors.New("bus is closed")
	ErrAlreadyRegistered = errors.New("subscriber already registered")
)

// InvalidHandlerSignatureError is returned by Register when a handler found on
// the subscriber cannot be bound. Fix the member and register again.
//
// Example:
//
//	if err := bus.Register(sub); eventbus.IsInvalidHandlerSignature(err) {
//	    log.Fatal(err)
//	}
type InvalidHandlerSignatureError struct {
	Subscriber reflect.Type
	Member     string
	Reason     string
}

func (e *InvalidHandlerSignatureError) Error() string {
	return fmt.Sprintf("invalid handler %s.%s: %s", typeName(e.Subscriber), e.Member, e.Reason)
}

// IsInvalidHandlerSignature checks if an error is an InvalidHandlerSignatureError.
func IsInvalidHandlerSignature(err error) bool {
	var sigErr *InvalidHandlerSignatureError
	return errors.As(err, &sigErr)
}

// InvalidSubscriberError is returned by Register for subscribers that cannot
// be registered at all: nil values, non-comparable values, and subscribers
// without handlers when strict registration is enabled.
type InvalidSubscriberError struct {
	Type   reflect.Type
	Reason string
}

func (e *InvalidSubscriberError) Error() string {
	return fmt.Sprintf("invalid subscriber %s: %s", typeName(e.Type), e.Reason)
}

// IsInvalidSubscriber checks if an error is an InvalidSubscriberError.
func IsInvalidSubscriber(err error) bool {
	var subErr *InvalidSubscriberError
	return errors.As(err, &subErr)
}

// HandlerInvocationError describes a handler that failed during dispatch.
// It is never returned from Post; it is passed to the ErrorHandler configured
// with WithErrorHandler, collected by Future, or logged.
type HandlerInvocationError struct {
	PostID  string
	Handler *Handler
	Event   any
	Err     error
}

func (e *HandlerInvocationError) Error() string {
	return fmt.Sprintf("handler %s failed for %s: %v", e.Handler.Name(), typeName(reflect.TypeOf(e.Event)), e.Err)
}

func (e *HandlerInvocationError) Unwrap() error {
	return e.Err
}

// Subscriber returns the subscriber that owns the failed handler.
func (e *HandlerInvocationError) Subscriber() any {
	return e.Handler.Owner()
}

// IsHandlerInvocation checks if an error is a HandlerInvocationError.
func IsHandlerInvocation(err error) bool {
	var invErr *HandlerInvocationError
	return errors.As(err, &invErr)
}

// DispatchTypeError is returned by Post when the event has no dynamic type,
// which in Go only happens for a nil interface value.
type DispatchTypeError struct {
	Reason string
}

func (e *DispatchTypeError) Error() string {
	return "cannot dispatch event: " + e.Reason
}

// IsDispatchType checks if an error is a DispatchTypeError.
func IsDispatchType(err error) bool {
	var typeErr *DispatchTypeError
	return errors.As(err, &typeErr)
}

// PanicError wraps a value recovered from a panicking handler.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap returns the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// IsPanic checks if an error was produced by a recovered handler panic.
func IsPanic(err error) bool {
	var panicErr *PanicError
	return errors.As(err, &panicErr)
}

// CircuitOpenError is returned by CircuitBreakerMiddleware while a handler's
// circuit is open.
type CircuitOpenError struct {
	Name string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open", e.Name)
}

// IsCircuitOpen checks if an error indicates an open circuit breaker.
func IsCircuitOpen(err error) bool {
	var circuitErr *CircuitOpenError
	return errors.As(err, &circuitErr)
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	return t.String()
}

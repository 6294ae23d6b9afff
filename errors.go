package uniqw

import (
	"errors"
	"fmt"
)

// ErrDuplicateTask is returned when Create is called with an ID that already exists.
var ErrDuplicateTask = errors.New("uniqw: duplicate task id")

// ErrUnknownStatus is returned when an invalid status is used or stored.
var ErrUnknownStatus = errors.New("uniqw: unknown status")

// ErrTaskNotFound is returned when a task with the specified ID is not found.
var ErrTaskNotFound = errors.New("uniqw: task not found")

// ErrBatchIndexOutOfRange is returned when a delivery names a batch the task does not have.
var ErrBatchIndexOutOfRange = errors.New("uniqw: batch index out of range")

// ErrNoHandler is returned when no batch handler is registered for the task kind.
var ErrNoHandler = errors.New("uniqw: no handler")

// ErrInvalidDelivery is returned when a delivery body does not satisfy the contract.
var ErrInvalidDelivery = errors.New("uniqw: invalid delivery")

// ErrInvalidResult is returned by SetResultBytes for bytes that are not valid JSON.
var ErrInvalidResult = errors.New("uniqw: invalid result json")

// ErrTaskAborted is the finishing error of a task whose batches exceeded the failure threshold.
var ErrTaskAborted = errors.New("Task was aborted")

// GenericErrorMessage replaces unexpected error text in anything shown to users.
const GenericErrorMessage = "Something went wrong while processing the task. Please try again or contact support."

// ExpectedError marks the wrapped error as a business/validation failure that could
// occur during normal operation. Its message is safe to show to users.
type ExpectedError struct {
	err error
}

// Expected wraps err as an ExpectedError. A nil err stays nil.
func Expected(err error) error {
	if err == nil {
		return nil
	}
	return &ExpectedError{err: err}
}

// Expectedf is a shortcut for Expected(fmt.Errorf(format, args...)).
func Expectedf(format string, args ...any) error {
	return &ExpectedError{err: fmt.Errorf(format, args...)}
}

func (e *ExpectedError) Error() string { return e.err.Error() }

func (e *ExpectedError) Unwrap() error { return e.err }

// IsExpected reports whether err (or anything it wraps) is an ExpectedError.
func IsExpected(err error) bool {
	var expected *ExpectedError
	return err != nil && errors.As(err, &expected)
}

// NormalizedError is the transport-safe shape of any error caught at a coordinator
// boundary. Traceback is kept for logs and never serialized.
type NormalizedError struct {
	Name      string `json:"name"`
	Message   string `json:"message"`
	Expected  bool   `json:"expected"`
	Traceback string `json:"-"`
}

func (e *NormalizedError) Error() string { return e.Name + ": " + e.Message }

// UserMessage is the text that may be shown to the initiating user.
func (e *NormalizedError) UserMessage() string {
	if e.Expected {
		return e.Message
	}
	return GenericErrorMessage
}

// StatusCode maps the error to the delivery response code.
func (e *NormalizedError) StatusCode() int {
	if e.Expected {
		return 400
	}
	return 500
}

// Normalize converts err into a NormalizedError. Errors in the chain implementing
// ErrorName() string provide the name; stack is the captured traceback, if any.
func Normalize(err error, stack []byte) *NormalizedError {
	if err == nil {
		return nil
	}
	var already *NormalizedError
	if errors.As(err, &already) {
		return already
	}
	out := &NormalizedError{
		Name:      "UnexpectedError",
		Message:   err.Error(),
		Expected:  IsExpected(err),
		Traceback: string(stack),
	}
	if out.Expected {
		out.Name = "ExpectedError"
	}
	var named interface{ ErrorName() string }
	if errors.As(err, &named) {
		out.Name = named.ErrorName()
	}
	return out
}

// panicError carries a recovered panic value as an unexpected error.
type panicError struct {
	value any
}

func (e panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

func (panicError) ErrorName() string { return "Panic" }

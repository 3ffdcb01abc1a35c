package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrFetchFailed marks a listing or lookup call that did not succeed.
	ErrFetchFailed = errors.New("fetch failed")
	// ErrMutationFailed marks a state-changing call that did not succeed.
	ErrMutationFailed = errors.New("mutation failed")
	// ErrAlreadyAbsent is returned by a Mutator when the target state already
	// holds. It is reported as a success.
	ErrAlreadyAbsent = errors.New("already absent")
	// ErrClassificationAmbiguous marks an item the classifier could not decide.
	ErrClassificationAmbiguous = errors.New("classification ambiguous")
	// ErrSetupFailed marks items whose per-scope setup step failed.
	ErrSetupFailed = errors.New("setup failed")
	// ErrUnreachable is returned when the root collection cannot be listed.
	ErrUnreachable = errors.New("root collection unreachable")
)

// FetchError describes a failed page fetch.
type FetchError struct {
	Endpoint string
	Status   int
	Body     string
	Err      error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s failed", e.Endpoint)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool { return target == ErrFetchFailed }

// MutationError describes a failed mutation of one item.
type MutationError struct {
	Path string
	Err  error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("mutate %s: %v", e.Path, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

func (e *MutationError) Is(target error) bool { return target == ErrMutationFailed }

// ClassificationError describes an item the classifier could not decide.
type ClassificationError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ClassificationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("classify %s: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("classify %s: %s: %v", e.Path, e.Reason, e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

func (e *ClassificationError) Is(target error) bool { return target == ErrClassificationAmbiguous }

// statusCoder is implemented by transport errors that carry an HTTP status.
type statusCoder interface {
	HTTPStatus() int
}

// asFetchError converts err into a *FetchError for endpoint, keeping any
// status and body the transport reported.
func asFetchError(endpoint string, err error) *FetchError {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	fe = &FetchError{Endpoint: endpoint, Err: err}
	var sc statusCoder
	if errors.As(err, &sc) {
		fe.Status = sc.HTTPStatus()
	}
	var bc interface{ ResponseBody() string }
	if errors.As(err, &bc) {
		fe.Body = bc.ResponseBody()
	}
	return fe
}

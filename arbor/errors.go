package arbor

import (
	"errors"
	"fmt"
)

// the identifier exists neither remotely nor locally.
// facade implementations return errors wrapping this sentinel from
// FetchItemState and FetchReferences.
var ErrNotFound = errors.New("item not found")

// a structural operation was requested without an open remote batch
var ErrNotBatchable = errors.New("operation requires an open batch")

// transport or service side failure, surfaced verbatim and never
// retried by this layer
type RemoteServiceError struct {
	Call  string
	Cause error
}

func remoteError(call string, cause error) *RemoteServiceError {
	return &RemoteServiceError{
		Call:  call,
		Cause: cause,
	}
}

func (self *RemoteServiceError) Error() string {
	return fmt.Sprintf("remote %s failed: %s", self.Call, self.Cause)
}

func (self *RemoteServiceError) Unwrap() error {
	return self.Cause
}

// malformed operation payload. Fails fast, before any remote call.
type InvalidOperationError struct {
	Op     Operation
	Reason string
}

func invalidOperation(op Operation, reason string) *InvalidOperationError {
	return &InvalidOperationError{
		Op:     op,
		Reason: reason,
	}
}

func (self *InvalidOperationError) Error() string {
	return fmt.Sprintf("invalid operation %s: %s", self.Op, self.Reason)
}

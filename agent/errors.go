package agent

import "fmt"

// PayloadError reports a request payload that failed to parse as JSON.
type PayloadError struct {
	Err error
}

func (e *PayloadError) Error() string { return fmt.Sprintf("malformed request payload: %v", e.Err) }
func (e *PayloadError) Unwrap() error { return e.Err }

// DispatchError is raised for any failure between parsing the envelope
// and invoking the execution adapter. It is always surfaced to the caller
// as a reply with `e = "Error while calling remote function: <message>"`.
type DispatchError struct {
	Err error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("Error while calling remote function: %s", e.Err)
}
func (e *DispatchError) Unwrap() error { return e.Err }

// replyMessage wraps err as a DispatchError and renders its fixed reply
// text, verbatim as it appears in the "e" field of the reply envelope.
func replyMessage(err error) string {
	return (&DispatchError{Err: err}).Error()
}

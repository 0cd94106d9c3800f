package content

import "fmt"

// Class is the closed enum a classifier assigns to any error kind below.
type Class string

const (
	ClassTransient Class = "transient"
	ClassPermanent Class = "permanent"
)

// HTTPError reports a non-2xx response from the chat service.
type HTTPError struct {
	Status     int
	RetryAfter *int // seconds; nil when the header was absent or unparseable
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error: status=%d body=%s", e.Status, e.Body)
}

// StreamTransientError reports an overload/rate-limit/api-error event seen
// mid-stream, or a stream that ended without a stop reason.
type StreamTransientError struct {
	Detail string
}

func (e *StreamTransientError) Error() string { return "stream transient: " + e.Detail }

// StreamParseError reports a malformed event payload or an
// invalid_request_error event seen mid-stream.
type StreamParseError struct {
	Detail string
}

func (e *StreamParseError) Error() string { return "stream parse: " + e.Detail }

// TransportError wraps a low-level network error. Timeout reports whether
// the failure was a timeout; Connect reports whether it was a connection
// failure. Either being true makes the error transient.
type TransportError struct {
	Inner   error
	Timeout bool
	Connect bool
}

func (e *TransportError) Error() string {
	if e.Inner == nil {
		return "transport error"
	}
	return "transport: " + e.Inner.Error()
}
func (e *TransportError) Unwrap() error { return e.Inner }

// EncodingError wraps malformed JSON encountered in a stream payload.
type EncodingError struct {
	Inner error
}

func (e *EncodingError) Error() string {
	if e.Inner == nil {
		return "encoding error"
	}
	return "encoding: " + e.Inner.Error()
}
func (e *EncodingError) Unwrap() error { return e.Inner }

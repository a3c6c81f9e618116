package kastchei

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents errors the socket recovers from on its own
	ErrorTransient ErrorClass = iota
	// ErrorFatal represents errors that end the current transport instance
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var (
	// ErrTransportRejected is reported when the server refuses the connection
	// outright (HTTP 403 on the websocket handshake). It is not retried against
	// the same endpoint.
	ErrTransportRejected = errors.New("transport rejected")

	// ErrTransportDisconnected is reported for ordinary close/error events.
	ErrTransportDisconnected = errors.New("transport disconnected")

	// ErrReplyTimeout is returned by Push.Await when no reply arrived in time.
	ErrReplyTimeout = errors.New("reply timeout")

	// ErrDecode matches every *DecodeError.
	ErrDecode = errors.New("decode failure")

	ErrSocketClosed    = errors.New("socket closed")
	ErrChannelClosed   = errors.New("channel closed")
	ErrNoMoreEndpoints = errors.New("no more endpoints")
)

// TransportError wraps a transport level failure with the endpoint it
// happened on. Err is always wrapped around ErrTransportRejected or
// ErrTransportDisconnected.
type TransportError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (te *TransportError) Error() string {
	if te.StatusCode != 0 {
		return fmt.Sprintf("%s: %v (status %d)", te.Endpoint, te.Err, te.StatusCode)
	}
	return fmt.Sprintf("%s: %v", te.Endpoint, te.Err)
}

func (te *TransportError) Unwrap() error {
	return te.Err
}

// Class returns the error classification
func (te *TransportError) Class() ErrorClass {
	if errors.Is(te.Err, ErrTransportRejected) {
		return ErrorFatal
	}
	return ErrorTransient
}

// rejected builds a fatal transport error
func rejected(endpoint string, status int) error {
	return &TransportError{Endpoint: endpoint, StatusCode: status, Err: ErrTransportRejected}
}

// disconnected builds a transient transport error around cause
func disconnected(endpoint string, cause error) error {
	if cause == nil {
		return &TransportError{Endpoint: endpoint, Err: ErrTransportDisconnected}
	}
	return &TransportError{Endpoint: endpoint, Err: fmt.Errorf("%w: %w", ErrTransportDisconnected, cause)}
}

// DecodeError is reported to a single consumer whose requested shape does not
// match the inbound payload. It never affects other channels or the connection.
type DecodeError struct {
	Topic string
	Event string
	Err   error
}

func (de *DecodeError) Error() string {
	return fmt.Sprintf("decode %s/%s: %v", de.Topic, de.Event, de.Err)
}

func (de *DecodeError) Unwrap() error {
	return de.Err
}

// Is reports ErrDecode as a match
func (de *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

// ReplyStatusError is returned by Match when the reply carried a different
// status than the one the caller expected.
type ReplyStatusError struct {
	Status   string
	Response json.RawMessage
}

func (rse *ReplyStatusError) Error() string {
	return fmt.Sprintf("reply status %q: %s", rse.Status, string(rse.Response))
}

// IsFatal checks if err ends the current transport instance
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Class() == ErrorFatal
	}
	return errors.Is(err, ErrTransportRejected)
}

// IsTransient checks if err is recovered by normal reconnection
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Class() == ErrorTransient
	}
	return errors.Is(err, ErrTransportDisconnected) || errors.Is(err, ErrReplyTimeout)
}

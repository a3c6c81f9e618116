package kastchei

// TransportState is the state a transport reports about itself
type TransportState int

const (
	TransportStateClosed TransportState = iota
	TransportStateConnecting
	TransportStateOpen
	TransportStateClosing
)

// String returns the string representation of the transport state
func (ts TransportState) String() string {
	switch ts {
	case TransportStateClosed:
		return "closed"
	case TransportStateConnecting:
		return "connecting"
	case TransportStateOpen:
		return "open"
	case TransportStateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// TransportEventKind identifies a transport lifecycle event
type TransportEventKind int

const (
	KindOpened TransportEventKind = iota
	KindClosed
	KindError
	KindMessage
)

// String returns the string representation of the event kind
func (k TransportEventKind) String() string {
	switch k {
	case KindOpened:
		return "opened"
	case KindClosed:
		return "closed"
	case KindError:
		return "error"
	case KindMessage:
		return "message"
	default:
		return "unknown"
	}
}

// TransportEvent is emitted by a transport. Data is set for KindMessage and
// Err for KindError.
type TransportEvent struct {
	Kind TransportEventKind
	Data []byte
	Err  error
}

// TransportSink receives transport events. It may block until the socket
// has accepted the event.
type TransportSink func(TransportEvent)

// Transport is a full-duplex text message socket. It is driven exclusively
// by the Socket that built it.
//
// Open and Close must not block; their outcome is reported through the sink.
// A transport reports ErrTransportRejected for refusals that must not be
// retried against the same endpoint.
type Transport interface {
	Open()
	Close()
	Send(data []byte) error
	State() TransportState
}

// TransportFactory builds a transport for endpoint reporting to sink
type TransportFactory func(endpoint string, sink TransportSink) (Transport, error)

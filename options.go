package kastchei

import (
	"net/http"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// SocketOptions configures the socket behavior
type SocketOptions struct {
	// Timeout for replies to pushes (default: 10 seconds, negative disables)
	Timeout time.Duration

	// HeartbeatInterval for sending heartbeats (default: 30 seconds)
	HeartbeatInterval time.Duration

	// ReconcileDelay debounces open/close decisions (default: 250ms)
	ReconcileDelay time.Duration

	// ReconnectAfter returns the minimum wait before the next open attempt
	// after tries consecutive attempts failed to reach the open state
	ReconnectAfter func(tries int) time.Duration

	// Logger for socket events (default: no-op, development logger when
	// PHX_DEBUG is set)
	Logger *zap.Logger

	// Clock drives timers and tickers (default: wall clock)
	Clock clock.Clock

	// Registerer receives the socket metrics when set
	Registerer prometheus.Registerer

	// Transport builds the transport for an endpoint (default: websocket)
	Transport TransportFactory

	// Dialer and Header are used by the default websocket transport
	Dialer *websocket.Dialer
	Header http.Header
}

// DefaultReconnectAfter returns the default reconnect backoff
func DefaultReconnectAfter(tries int) time.Duration {
	intervals := []time.Duration{
		10 * time.Millisecond,
		50 * time.Millisecond,
		100 * time.Millisecond,
		150 * time.Millisecond,
		200 * time.Millisecond,
		250 * time.Millisecond,
		500 * time.Millisecond,
		1 * time.Second,
		2 * time.Second,
	}

	if tries < 1 {
		return 0
	}
	if tries-1 < len(intervals) {
		return intervals[tries-1]
	}
	return 5 * time.Second
}

// DefaultSocketOptions returns options with every default filled in
func DefaultSocketOptions() *SocketOptions {
	options := &SocketOptions{}
	setDefaultOptions(options)
	return options
}

// setDefaultOptions sets default values for unspecified options
func setDefaultOptions(options *SocketOptions) {
	if options.Timeout == 0 {
		options.Timeout = 10 * time.Second
	}
	if options.HeartbeatInterval == 0 {
		options.HeartbeatInterval = 30 * time.Second
	}
	if options.ReconcileDelay == 0 {
		options.ReconcileDelay = 250 * time.Millisecond
	}
	if options.ReconnectAfter == nil {
		options.ReconnectAfter = DefaultReconnectAfter
	}
	if options.Logger == nil {
		options.Logger = defaultLogger()
	}
	if options.Clock == nil {
		options.Clock = clock.New()
	}
	if options.Dialer == nil {
		options.Dialer = websocket.DefaultDialer
	}
	if options.Transport == nil {
		options.Transport = WebSocketTransportFactory(options.Dialer, options.Header, options.Logger)
	}
}

// defaultLogger logs nothing unless PHX_DEBUG is set
func defaultLogger() *zap.Logger {
	if os.Getenv("PHX_DEBUG") == "" {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger.Named("phx")
}

package kastchei

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

// WebSocketTransport is the gorilla/websocket Transport
type WebSocketTransport struct {
	endpoint string
	dialer   *websocket.Dialer
	header   http.Header
	sink     TransportSink
	logger   *zap.Logger

	mu         sync.Mutex
	state      TransportState
	conn       *websocket.Conn
	cancelDial context.CancelFunc

	// gorilla/websocket supports one concurrent writer
	writeMu sync.Mutex
}

// WebSocketTransportFactory returns a factory building websocket transports
// with the given dialer and handshake headers
func WebSocketTransportFactory(dialer *websocket.Dialer, header http.Header, logger *zap.Logger) TransportFactory {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(endpoint string, sink TransportSink) (Transport, error) {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("parse endpoint: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return nil, fmt.Errorf("endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
		}
		return &WebSocketTransport{
			endpoint: endpoint,
			dialer:   dialer,
			header:   header,
			sink:     sink,
			logger:   logger.With(zap.String("endpoint", u.Redacted())),
			state:    TransportStateClosed,
		}, nil
	}
}

// State returns the current transport state
func (t *WebSocketTransport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Open starts dialing unless already connecting or open
func (t *WebSocketTransport) Open() {
	t.mu.Lock()
	if t.state != TransportStateClosed {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancelDial = cancel
	t.state = TransportStateConnecting
	t.mu.Unlock()

	go t.dial(ctx)
}

func (t *WebSocketTransport) dial(ctx context.Context) {
	conn, resp, err := t.dialer.DialContext(ctx, t.endpoint, t.header)

	t.mu.Lock()
	t.cancelDial = nil
	if err != nil {
		t.state = TransportStateClosed
		t.mu.Unlock()

		if ctx.Err() != nil {
			t.sink(TransportEvent{Kind: KindClosed})
			return
		}
		if resp != nil && resp.StatusCode == http.StatusForbidden {
			t.logger.Warn("handshake rejected", zap.Int("status", resp.StatusCode))
			t.sink(TransportEvent{Kind: KindError, Err: rejected(t.endpoint, resp.StatusCode)})
			return
		}
		t.logger.Debug("dial failed", zap.Error(err))
		t.sink(TransportEvent{Kind: KindError, Err: disconnected(t.endpoint, err)})
		return
	}

	if t.state == TransportStateClosing {
		t.state = TransportStateClosed
		t.mu.Unlock()
		conn.Close()
		t.sink(TransportEvent{Kind: KindClosed})
		return
	}
	t.conn = conn
	t.state = TransportStateOpen
	t.mu.Unlock()

	t.logger.Debug("connected")
	t.sink(TransportEvent{Kind: KindOpened})
	go t.readMessages(conn)
}

// Close starts the close handshake; completion is reported as KindClosed
func (t *WebSocketTransport) Close() {
	t.mu.Lock()
	switch t.state {
	case TransportStateConnecting:
		t.state = TransportStateClosing
		cancel := t.cancelDial
		t.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	case TransportStateOpen:
		t.state = TransportStateClosing
		conn := t.conn
		t.mu.Unlock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
			t.logger.Debug("close frame not written", zap.Error(err))
		}
		conn.Close()
	default:
		t.mu.Unlock()
	}
}

// Send writes one text message
func (t *WebSocketTransport) Send(data []byte) error {
	t.mu.Lock()
	conn, state := t.conn, t.state
	t.mu.Unlock()

	if state != TransportStateOpen || conn == nil {
		return disconnected(t.endpoint, errors.New("transport not open"))
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return disconnected(t.endpoint, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return disconnected(t.endpoint, err)
	}
	return nil
}

func (t *WebSocketTransport) readMessages(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			wasClosing := t.state == TransportStateClosing
			t.state = TransportStateClosed
			t.conn = nil
			t.mu.Unlock()
			conn.Close()

			if !wasClosing && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.logger.Debug("read failed", zap.Error(err))
				t.sink(TransportEvent{Kind: KindError, Err: disconnected(t.endpoint, err)})
			}
			t.sink(TransportEvent{Kind: KindClosed})
			return
		}

		t.sink(TransportEvent{Kind: KindMessage, Data: data})
	}
}

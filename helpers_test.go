package kastchei

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

const testEndpoint = "ws://example.test/socket/websocket?token=secret"

// fakeTransport records calls and lets tests drive transport events
type fakeTransport struct {
	endpoint string
	sink     TransportSink

	mu      sync.Mutex
	state   TransportState
	opens   int
	closes  int
	sent    []string
	sendErr error
}

func (f *fakeTransport) Open() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	f.state = TransportStateConnecting
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	f.closes++
	prev := f.state
	f.state = TransportStateClosed
	f.mu.Unlock()

	if prev != TransportStateClosed {
		f.sink(TransportEvent{Kind: KindClosed})
	}
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != TransportStateOpen {
		return errors.New("fake transport not open")
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, string(data))
	return nil
}

func (f *fakeTransport) State() TransportState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// accept completes a pending open
func (f *fakeTransport) accept() {
	f.mu.Lock()
	f.state = TransportStateOpen
	f.mu.Unlock()
	f.sink(TransportEvent{Kind: KindOpened})
}

// fail drops the connection with err
func (f *fakeTransport) fail(err error) {
	f.mu.Lock()
	f.state = TransportStateClosed
	f.mu.Unlock()
	f.sink(TransportEvent{Kind: KindError, Err: err})
}

func (f *fakeTransport) receive(text string) {
	f.sink(TransportEvent{Kind: KindMessage, Data: []byte(text)})
}

func (f *fakeTransport) setSendErr(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) sentFrames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeTransport) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// fakeNetwork is a TransportFactory handing out fake transports
type fakeNetwork struct {
	mu         sync.Mutex
	transports []*fakeTransport
}

func (n *fakeNetwork) factory(endpoint string, sink TransportSink) (Transport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t := &fakeTransport{endpoint: endpoint, sink: sink}
	n.transports = append(n.transports, t)
	return t, nil
}

func (n *fakeNetwork) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.transports)
}

func (n *fakeNetwork) last() *fakeTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.transports) == 0 {
		return nil
	}
	return n.transports[len(n.transports)-1]
}

func newTestSocket(t *testing.T, configure ...func(*SocketOptions)) (*Socket, *fakeNetwork, *clock.Mock) {
	t.Helper()
	return newTestSocketWithEndpoints(t, StaticEndpoint(testEndpoint), configure...)
}

func newTestSocketWithEndpoints(t *testing.T, source EndpointSource, configure ...func(*SocketOptions)) (*Socket, *fakeNetwork, *clock.Mock) {
	t.Helper()

	mock := clock.NewMock()
	network := &fakeNetwork{}
	options := &SocketOptions{
		Clock:     mock,
		Transport: network.factory,
	}
	for _, fn := range configure {
		fn(options)
	}

	socket := NewSocketWithEndpoints(source, options)
	t.Cleanup(socket.Close)

	require.Eventually(t, func() bool { return network.count() == 1 }, time.Second, time.Millisecond)
	return socket, network, mock
}

// advanceUntil steps the mock clock until cond holds
func advanceUntil(t *testing.T, mock *clock.Mock, step time.Duration, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		mock.Add(step)
		return cond()
	}, 2*time.Second, time.Millisecond)
}

// openSocket drives the next open attempt of socket to the open state. The
// socket must have a live channel and no open attempt in flight.
func openSocket(t *testing.T, socket *Socket, network *fakeNetwork, mock *clock.Mock) *fakeTransport {
	t.Helper()
	tr := network.last()
	before := tr.openCount()
	advanceUntil(t, mock, 50*time.Millisecond, func() bool { return tr.openCount() > before })
	tr.accept()
	require.Eventually(t, func() bool { return socket.State() == StateOpen }, time.Second, time.Millisecond)
	return tr
}

func waitSent(t *testing.T, tr *fakeTransport, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool { return len(tr.sentFrames()) >= n }, time.Second, time.Millisecond)
	return tr.sentFrames()
}

// awaitTimeout bounds a Push.Await in tests
func awaitTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)
	return ctx
}

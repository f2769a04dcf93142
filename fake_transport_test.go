package nostr

import (
	"context"
	"encoding/json"
	"sync"
)

// fakeConn is one simulated connection produced by fakeTransport. Tests
// push server frames in via ToClient and observe client frames via Sent.
type fakeConn struct {
	mu       sync.Mutex
	sent     [][]byte
	sentCh   chan []byte
	toClient chan Frame
	done     chan struct{}
	closeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		sentCh:   make(chan []byte, 64),
		toClient: make(chan Frame, 64),
		done:     make(chan struct{}),
	}
}

func (c *fakeConn) Send(ctx context.Context, text string) error {
	c.mu.Lock()
	c.sent = append(c.sent, []byte(text))
	c.mu.Unlock()
	select {
	case c.sentCh <- []byte(text):
	default:
	}
	return nil
}

func (c *fakeConn) Frames() <-chan Frame    { return c.toClient }
func (c *fakeConn) Done() <-chan struct{}   { return c.done }
func (c *fakeConn) Err() error              { return nil }
func (c *fakeConn) Close(ctx context.Context) error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return c.closeErr
}

// pushEvent injects a server EVENT frame carrying e for subID.
func (c *fakeConn) pushEvent(subID string, e *Event) {
	payload, _ := json.Marshal([3]interface{}{"EVENT", subID, e})
	c.toClient <- Frame{Kind: FrameText, Text: string(payload)}
}

func (c *fakeConn) pushEOSE(subID string) {
	payload, _ := json.Marshal([2]interface{}{"EOSE", subID})
	c.toClient <- Frame{Kind: FrameText, Text: string(payload)}
}

func (c *fakeConn) pushOK(eventID string, accepted bool, msg string) {
	payload, _ := json.Marshal([4]interface{}{"OK", eventID, accepted, msg})
	c.toClient <- Frame{Kind: FrameText, Text: string(payload)}
}

func (c *fakeConn) pushAuth(challenge string) {
	payload, _ := json.Marshal([2]interface{}{"AUTH", challenge})
	c.toClient <- Frame{Kind: FrameText, Text: string(payload)}
}

func (c *fakeConn) pushClosed(subID, reason string) {
	payload, _ := json.Marshal([3]interface{}{"CLOSED", subID, reason})
	c.toClient <- Frame{Kind: FrameText, Text: string(payload)}
}

func (c *fakeConn) pushNegMsg(subID, msgHex string) {
	payload, _ := json.Marshal([3]interface{}{"NEG-MSG", subID, msgHex})
	c.toClient <- Frame{Kind: FrameText, Text: string(payload)}
}

// fakeTransport hands out one fakeConn per Connect call via connectFn, or
// a single shared fakeConn if conn is set.
type fakeTransport struct {
	mu        sync.Mutex
	conn      *fakeConn
	connectFn func(ctx context.Context, url RelayURL) (*fakeConn, error)
	connects  int
}

func (t *fakeTransport) Connect(ctx context.Context, url RelayURL, mode ConnectionMode) (Sender, Receiver, CloseHandle, error) {
	t.mu.Lock()
	t.connects++
	t.mu.Unlock()

	if t.connectFn != nil {
		c, err := t.connectFn(ctx, url)
		if err != nil {
			return nil, nil, nil, err
		}
		return c, c, c, nil
	}
	return t.conn, t.conn, t.conn, nil
}

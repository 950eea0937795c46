package ws

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scanstream/backend/internal/index"
	"github.com/scanstream/backend/internal/scan"
)

var (
	errConnClosed   = errors.New("fake conn closed")
	errWriteTimeout = errors.New("fake conn write timeout")
)

type closeFrame struct {
	code   int
	reason string
}

// fakeConn is an in-memory Conn. Inbound messages are pushed with push;
// closing the conn makes ReadMessage fail.
type fakeConn struct {
	in       chan []byte
	closedCh chan struct{}
	block    chan struct{} // if set, WriteMessage waits on it or on Close
	// stall models a peer that never reads: a write with a deadline set
	// times out almost at once, one without blocks until Close.
	stall bool

	mu            sync.Mutex
	writes        [][]byte
	frames        []closeFrame
	closed        bool
	writeDeadline time.Time
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:       make(chan []byte, 16),
		closedCh: make(chan struct{}),
	}
}

func (c *fakeConn) push(msg string) { c.in <- []byte(msg) }

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg, ok := <-c.in:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.TextMessage, msg, nil
	case <-c.closedCh:
		return 0, nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	if c.block != nil {
		select {
		case <-c.block:
		case <-c.closedCh:
		}
	}
	if c.stall {
		c.mu.Lock()
		deadline := c.writeDeadline
		c.mu.Unlock()
		if deadline.IsZero() {
			<-c.closedCh
			return errConnClosed
		}
		select {
		case <-time.After(10 * time.Millisecond):
			return errWriteTimeout
		case <-c.closedCh:
			return errConnClosed
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		c.frames = append(c.frames, closeFrame{
			code:   int(binary.BigEndian.Uint16(data[:2])),
			reason: string(data[2:]),
		})
	}
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeDeadline = t
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closedCh)
	}
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) closeFrames() []closeFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]closeFrame(nil), c.frames...)
}

// messages decodes every written payload.
func (c *fakeConn) messages() []map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]string, 0, len(c.writes))
	for _, w := range c.writes {
		var m map[string]string
		if err := json.Unmarshal(w, &m); err != nil {
			m = map[string]string{"raw": string(w)}
		}
		out = append(out, m)
	}
	return out
}

// label renders a message as "action[:page]" or "error:message".
func label(m map[string]string) string {
	if m["status"] == "error" {
		return "error:" + m["message"]
	}
	if p, ok := m["page_number"]; ok {
		return m["action"] + ":" + p
	}
	return m["action"]
}

func labels(c *fakeConn) []string {
	var out []string
	for _, m := range c.messages() {
		out = append(out, label(m))
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForMessages(t *testing.T, c *fakeConn, n int) []string {
	t.Helper()
	waitFor(t, fmt.Sprintf("%d messages", n), func() bool { return len(c.messages()) >= n })
	return labels(c)
}

// fakeCamera names captures page_1.jpg, page_2.jpg, ...
type fakeCamera struct {
	mu           sync.Mutex
	initErr      error
	clearErr     error
	failCaptures int
	next         int
	initCalls    int
	captureCalls int
	releaseCalls int
	clearCalls   int
}

func (c *fakeCamera) Initialize(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initCalls++
	return c.initErr
}

func (c *fakeCamera) Capture(context.Context) scan.CaptureUnit {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.captureCalls++
	if c.failCaptures > 0 {
		c.failCaptures--
		return scan.Failed("no frame from camera")
	}
	c.next++
	return scan.Captured(fmt.Sprintf("captures/page_%d.jpg", c.next))
}

func (c *fakeCamera) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseCalls++
}

func (c *fakeCamera) ClearCaptures(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearCalls++
	return c.clearErr
}

func (c *fakeCamera) releases() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releaseCalls
}

// fakeInterpreter returns "text of <location>". If gate is set it waits for
// gate to close before answering.
type fakeInterpreter struct {
	mu      sync.Mutex
	calls   int
	err     error
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeInterpreter) Interpret(_ context.Context, location string) (string, error) {
	f.mu.Lock()
	f.calls++
	gate, entered, err := f.gate, f.entered, f.err
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return "", err
	}
	return "text of " + location, nil
}

func (f *fakeInterpreter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type prefixCleaner struct{}

func (prefixCleaner) Clean(_ context.Context, text string) (string, error) {
	return "clean " + text, nil
}

// memIndex is an in-memory DocumentIndex.
type memIndex struct {
	mu       sync.Mutex
	docs     []scan.Document
	clearErr error
	clears   int
}

func (m *memIndex) Store(_ context.Context, doc scan.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = append(m.docs, doc)
	return nil
}

func (m *memIndex) ClearAll(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clears++
	if m.clearErr != nil {
		return m.clearErr
	}
	m.docs = nil
	return nil
}

func (m *memIndex) Search(_ context.Context, _ string, limit int) ([]index.Hit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var hits []index.Hit
	for _, d := range m.docs {
		if limit > 0 && len(hits) == limit {
			break
		}
		hits = append(hits, index.Hit{Document: d})
	}
	return hits, nil
}

func (m *memIndex) stored() []scan.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]scan.Document(nil), m.docs...)
}

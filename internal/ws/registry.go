package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/scanstream/backend/internal/logging"
	"github.com/scanstream/backend/internal/scan"
)

var ErrDeviceBusy = errors.New("ws: device connection already active")

// Sink receives every broadcast payload in addition to the observers.
type Sink interface {
	Publish(data []byte)
}

// DeviceConn is the single connection allowed to drive the camera.
type DeviceConn struct {
	Token uuid.UUID

	conn    Conn
	writeMu sync.Mutex
}

// Send writes ev to the device connection. A write that misses writeWait
// closes the socket, which ends the session reading from it.
func (d *DeviceConn) Send(ev scan.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Kind, err)
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	_ = d.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := d.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		_ = d.conn.Close()
		return err
	}
	return nil
}

// Close sends a close frame with code and reason, then closes the socket.
func (d *DeviceConn) Close(code int, reason string) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	closeConn(d.conn, code, reason)
}

// Observer is a push-only connection. Writes go through a buffered channel
// drained by writePump.
type Observer struct {
	conn Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func (o *Observer) writePump(r *Registry) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = o.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-o.send:
			if !ok {
				return
			}
			_ = o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				r.logger.Debug("observer write failed", "error", err)
				r.DetachObserver(o)
				return
			}
		case <-ticker.C:
			_ = o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				r.DetachObserver(o)
				return
			}
		}
	}
}

// trySend queues data without blocking. It reports false if the observer is
// closed or its buffer is full.
func (o *Observer) trySend(data []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	select {
	case o.send <- data:
		return true
	default:
		return false
	}
}

// close stops the write pump and closes the socket, which also unblocks a
// write stuck on a peer that stopped reading.
func (o *Observer) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.send)
		_ = o.conn.Close()
	}
}

// Registry owns the device slot and the observer set. It is the only place
// either is mutated.
type Registry struct {
	mu        sync.RWMutex
	device    *DeviceConn
	observers map[*Observer]struct{}
	sinks     []Sink
	logger    *logging.Logger
}

func NewRegistry(logger *logging.Logger, sinks ...Sink) *Registry {
	return &Registry{
		observers: make(map[*Observer]struct{}),
		sinks:     sinks,
		logger:    logger.With("component", "registry"),
	}
}

// AdmitDevice registers conn as the device connection unless one is already
// active, in which case it returns ErrDeviceBusy and changes nothing.
func (r *Registry) AdmitDevice(conn Conn) (*DeviceConn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.device != nil {
		return nil, ErrDeviceBusy
	}
	r.device = &DeviceConn{Token: uuid.New(), conn: conn}
	r.logger.Info("device admitted", "token", r.device.Token)
	return r.device, nil
}

// ReleaseDevice frees the device slot if token still holds it. Unknown or
// stale tokens are ignored.
func (r *Registry) ReleaseDevice(token uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.device != nil && r.device.Token == token {
		r.device = nil
		r.logger.Info("device released", "token", token)
	}
}

func (r *Registry) HasDevice() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.device != nil
}

func (r *Registry) AttachObserver(conn Conn) *Observer {
	o := &Observer{
		conn: conn,
		send: make(chan []byte, observerSendBuffer),
	}

	r.mu.Lock()
	r.observers[o] = struct{}{}
	n := len(r.observers)
	r.mu.Unlock()

	go o.writePump(r)
	r.logger.Debug("observer attached", "observers", n)
	return o
}

// DetachObserver removes o and stops its write pump. Safe to call repeatedly.
func (r *Registry) DetachObserver(o *Observer) {
	r.mu.Lock()
	_, ok := r.observers[o]
	delete(r.observers, o)
	n := len(r.observers)
	r.mu.Unlock()

	if ok {
		o.close()
		r.logger.Debug("observer detached", "observers", n)
	}
}

func (r *Registry) ObserverCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.observers)
}

// Broadcast marshals ev once and queues it for every observer and sink. It
// returns after every observer has the event queued. Observers that cannot
// keep up are detached.
func (r *Registry) Broadcast(ev scan.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("broadcast marshal failed", "kind", ev.Kind.String(), "error", err)
		return
	}

	r.mu.RLock()
	observers := make([]*Observer, 0, len(r.observers))
	for o := range r.observers {
		observers = append(observers, o)
	}
	sinks := r.sinks
	r.mu.RUnlock()

	for _, o := range observers {
		if !o.trySend(data) {
			r.logger.Warn("observer too slow or gone, detaching")
			r.DetachObserver(o)
		}
	}
	for _, s := range sinks {
		s.Publish(data)
	}
}

// Close disconnects every observer and the device connection.
func (r *Registry) Close() {
	r.mu.Lock()
	observers := make([]*Observer, 0, len(r.observers))
	for o := range r.observers {
		observers = append(observers, o)
	}
	r.observers = make(map[*Observer]struct{})
	device := r.device
	r.mu.Unlock()

	for _, o := range observers {
		closeConn(o.conn, websocket.CloseGoingAway, "server shutting down")
		o.close()
	}
	if device != nil {
		device.Close(websocket.CloseGoingAway, "server shutting down")
	}
}

// Package signald owns the single socket connection to the signald daemon.
//
// Requests are newline-delimited JSON frames tagged with a correlation id.
// A single read loop routes each reply to the call waiting on that id and
// appends every frame without an id to an unbounded backlog, so replies never
// wait behind unread events. A forwarder feeds the backlog into the bounded
// Inbound channel.
package signald

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/tinyland-inc/sigdesk/pkg/logger"
	"github.com/tinyland-inc/sigdesk/pkg/protocol"
)

const readBufferSize = 64 * 1024

// reply is what the read loop hands to a waiting call.
type reply struct {
	data json.RawMessage
	err  error
}

type Conn struct {
	nc   net.Conn
	path string

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uuid.UUID]chan reply

	inbound chan protocol.Frame

	backlogMu sync.Mutex
	backlog   []protocol.Frame
	wake      chan struct{}
	readDone  chan struct{}
	fwdDone   chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once

	done      chan struct{}
	closeOnce sync.Once
	closing   atomic.Bool
	err       error
}

func newConn(nc net.Conn, path string, inboundCapacity int) *Conn {
	c := &Conn{
		nc:      nc,
		path:    path,
		pending: make(map[uuid.UUID]chan reply),
		inbound:  make(chan protocol.Frame, inboundCapacity),
		wake:     make(chan struct{}, 1),
		readDone: make(chan struct{}),
		fwdDone:  make(chan struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	go c.forward()
	return c
}

// Path is the socket path this connection was established on.
func (c *Conn) Path() string { return c.path }

// Inbound delivers unsolicited frames in wire order. When the daemon goes
// away it is closed after the backlog has been delivered; after Close it is
// closed at once and the rest of the backlog is left for Drain.
func (c *Conn) Inbound() <-chan protocol.Frame { return c.inbound }

// Backlog reports how many unsolicited frames are waiting to be delivered on
// Inbound.
func (c *Conn) Backlog() int {
	c.backlogMu.Lock()
	defer c.backlogMu.Unlock()
	return len(c.backlog)
}

// Drain takes the frames Close left undelivered, in wire order. It blocks
// until Close; frames still buffered in Inbound precede them.
func (c *Conn) Drain() []protocol.Frame {
	<-c.stop
	<-c.readDone
	<-c.fwdDone
	c.backlogMu.Lock()
	defer c.backlogMu.Unlock()
	out := c.backlog
	c.backlog = nil
	return out
}

// Done is closed when the connection has shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection shut down, or nil while it is up.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close shuts the connection down. Waiting calls fail with ErrConnClosed.
func (c *Conn) Close() error {
	c.closing.Store(true)
	c.stopOnce.Do(func() { close(c.stop) })
	c.shutdown(ErrConnClosed)
	return nil
}

func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.err = cause
		close(c.done)
		c.nc.Close()
	})
}

// InFlight reports how many calls are waiting for a reply.
func (c *Conn) InFlight() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// RemoteCall sends payload as request key tagged with id and waits for the
// reply carrying the same id. A daemon error reply is returned as a
// *ProtocolError and affects only this call.
func (c *Conn) RemoteCall(ctx context.Context, key string, id uuid.UUID, payload protocol.Payload) (protocol.Payload, error) {
	frame, err := protocol.EncodeRequest(key, id, payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan reply, 1)
	c.pendingMu.Lock()
	select {
	case <-c.done:
		c.pendingMu.Unlock()
		return nil, c.err
	default:
	}
	if _, dup := c.pending[id]; dup {
		c.pendingMu.Unlock()
		return nil, ErrDuplicateID
	}
	c.pending[id] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(frame); err != nil {
		return nil, fmt.Errorf("signald: write %s: %w", key, err)
	}

	select {
	case r := <-ch:
		return c.decodeReply(key, r)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		// a reply that raced the shutdown still wins
		select {
		case r := <-ch:
			return c.decodeReply(key, r)
		default:
		}
		return nil, c.err
	}
}

func (c *Conn) decodeReply(key string, r reply) (protocol.Payload, error) {
	if r.err != nil {
		var perr *ProtocolError
		if errors.As(r.err, &perr) {
			perr.Key = key
		}
		return nil, r.err
	}
	return protocol.DecodeResponse(key, r.data)
}

func (c *Conn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.nc.Write(frame)
	return err
}

func (c *Conn) readLoop() {
	defer close(c.readDone)

	r := bufio.NewReaderSize(c.nc, readBufferSize)
	for {
		line, err := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			c.handleFrame(line)
		}
		if err != nil {
			c.readFailed(err)
			return
		}
	}
}

func (c *Conn) readFailed(err error) {
	if c.closing.Load() {
		c.shutdown(ErrConnClosed)
		return
	}
	if errors.Is(err, io.EOF) {
		logger.ErrorCF("signald", "Daemon closed the connection", map[string]any{"path": c.path})
	} else {
		logger.ErrorCF("signald", "Failed to read from daemon", map[string]any{"path": c.path, "error": err.Error()})
	}
	c.shutdown(fmt.Errorf("%w: %v", ErrConnClosed, err))
}

func (c *Conn) handleFrame(line []byte) {
	if !gjson.ValidBytes(line) {
		logger.WarnCF("signald", "Discarding malformed frame", map[string]any{"bytes": len(line)})
		return
	}
	frame := gjson.ParseBytes(line)
	typ := frame.Get("type").String()

	if idField := frame.Get("id"); idField.Exists() && idField.String() != "" {
		c.routeReply(typ, idField.String(), frame)
		return
	}

	var data json.RawMessage
	if d := frame.Get("data"); d.Exists() {
		data = json.RawMessage(d.Raw)
	}
	c.enqueue(protocol.Frame{Type: typ, Data: data})
}

func (c *Conn) enqueue(f protocol.Frame) {
	c.backlogMu.Lock()
	c.backlog = append(c.backlog, f)
	c.backlogMu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// next pops the oldest frame; push puts one back in front.
func (c *Conn) next() (protocol.Frame, bool) {
	c.backlogMu.Lock()
	defer c.backlogMu.Unlock()
	if len(c.backlog) == 0 {
		return protocol.Frame{}, false
	}
	f := c.backlog[0]
	c.backlog[0] = protocol.Frame{}
	c.backlog = c.backlog[1:]
	if len(c.backlog) == 0 {
		c.backlog = nil
	}
	return f, true
}

func (c *Conn) push(f protocol.Frame) {
	c.backlogMu.Lock()
	c.backlog = append([]protocol.Frame{f}, c.backlog...)
	c.backlogMu.Unlock()
}

// forward moves backlog frames to Inbound until the read loop has ended and
// the backlog is empty, or until Close.
func (c *Conn) forward() {
	defer close(c.fwdDone)
	defer close(c.inbound)
	for {
		f, ok := c.next()
		if !ok {
			select {
			case <-c.wake:
			case <-c.readDone:
				if c.Backlog() == 0 {
					return
				}
			case <-c.stop:
				return
			}
			continue
		}
		select {
		case c.inbound <- f:
		case <-c.stop:
			c.push(f)
			return
		}
	}
}

func (c *Conn) routeReply(typ, rawID string, frame gjson.Result) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		logger.WarnCF("signald", "Discarding reply with malformed id", map[string]any{"id": rawID, "type": typ})
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	if !ok {
		logger.WarnCF("signald", "Discarding reply with no waiting call", map[string]any{"id": rawID, "type": typ})
		return
	}

	// ch has room for exactly this one reply
	if e := frame.Get("error"); e.Exists() {
		msg := e.Get("message").String()
		if msg == "" {
			msg = e.String()
		}
		ch <- reply{err: &ProtocolError{Key: typ, Type: frame.Get("error_type").String(), Message: msg}}
		return
	}
	var data json.RawMessage
	if d := frame.Get("data"); d.Exists() {
		data = json.RawMessage(d.Raw)
	}
	ch <- reply{data: data}
}

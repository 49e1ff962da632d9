// Package signaldtest runs an in-process stand-in for the signald daemon on
// a real Unix socket. Requests with a registered handler are answered
// immediately; all others are held until the test replies to them.
package signaldtest

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

// Request is one frame received from the client.
type Request struct {
	Type string
	ID   string
	Raw  []byte
}

// Get reads a field of the request with gjson path syntax.
func (r Request) Get(path string) gjson.Result {
	return gjson.GetBytes(r.Raw, path)
}

// HandlerFunc returns the data of the reply, or an error reply when errType
// is not empty.
type HandlerFunc func(req Request) (data any, errType, errMsg string)

type Daemon struct {
	dir  string
	path string
	ln   net.Listener

	mu       sync.Mutex
	cond     *sync.Cond
	conns    []net.Conn
	handlers map[string]HandlerFunc
	requests []Request
	closed   bool

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// New starts a daemon and registers its shutdown with t.Cleanup.
func New(t testing.TB) *Daemon {
	t.Helper()

	// t.TempDir paths can exceed the sun_path limit
	dir, err := os.MkdirTemp("", "sd")
	if err != nil {
		t.Fatalf("signaldtest: temp dir: %v", err)
	}
	path := filepath.Join(dir, "signald.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("signaldtest: listen: %v", err)
	}

	d := &Daemon{
		dir:      dir,
		path:     path,
		ln:       ln,
		handlers: make(map[string]HandlerFunc),
	}
	d.cond = sync.NewCond(&d.mu)

	d.wg.Add(1)
	go d.acceptLoop()
	t.Cleanup(d.Close)
	return d
}

func (d *Daemon) Path() string { return d.path }

// Handle answers every request of type key with h.
func (d *Daemon) Handle(key string, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[key] = h
}

// Respond answers every request of type key with the same data.
func (d *Daemon) Respond(key string, data any) {
	d.Handle(key, func(Request) (any, string, string) { return data, "", "" })
}

func (d *Daemon) acceptLoop() {
	defer d.wg.Done()
	for {
		c, err := d.ln.Accept()
		if err != nil {
			return
		}
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			c.Close()
			return
		}
		d.conns = append(d.conns, c)
		d.cond.Broadcast()
		d.mu.Unlock()

		d.wg.Add(1)
		go d.serve(c)
	}
}

func (d *Daemon) serve(c net.Conn) {
	defer d.wg.Done()
	r := bufio.NewReader(c)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return
		}
		req := Request{
			Type: gjson.GetBytes(line, "type").String(),
			ID:   gjson.GetBytes(line, "id").String(),
			Raw:  line,
		}

		d.mu.Lock()
		d.requests = append(d.requests, req)
		h := d.handlers[req.Type]
		d.cond.Broadcast()
		d.mu.Unlock()

		if h == nil {
			continue
		}
		data, errType, errMsg := h(req)
		if errType != "" {
			_ = d.ReplyError(req, errType, errMsg)
		} else {
			_ = d.Reply(req, data)
		}
	}
}

// WaitConnected blocks until a client has connected.
func (d *Daemon) WaitConnected(timeout time.Duration) error {
	return d.waitFor(timeout, func() bool { return len(d.conns) > 0 })
}

// WaitRequests blocks until n requests of type key have arrived and returns
// them in arrival order.
func (d *Daemon) WaitRequests(key string, n int, timeout time.Duration) ([]Request, error) {
	var got []Request
	err := d.waitFor(timeout, func() bool {
		got = d.requestsLocked(key)
		return len(got) >= n
	})
	if err != nil {
		return got, fmt.Errorf("%w: want %d %q requests, have %d", err, n, key, len(got))
	}
	return got, nil
}

// Requests returns every request of type key received so far.
func (d *Daemon) Requests(key string) []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requestsLocked(key)
}

func (d *Daemon) requestsLocked(key string) []Request {
	var out []Request
	for _, r := range d.requests {
		if r.Type == key {
			out = append(out, r)
		}
	}
	return out
}

var errTimeout = errors.New("signaldtest: timed out")

func (d *Daemon) waitFor(timeout time.Duration, cond func() bool) error {
	timer := time.AfterFunc(timeout, func() {
		d.mu.Lock()
		d.cond.Broadcast()
		d.mu.Unlock()
	})
	defer timer.Stop()

	deadline := time.Now().Add(timeout)
	d.mu.Lock()
	defer d.mu.Unlock()
	for !cond() {
		if d.closed || !time.Now().Before(deadline) {
			return errTimeout
		}
		d.cond.Wait()
	}
	return nil
}

// Reply answers req with data.
func (d *Daemon) Reply(req Request, data any) error {
	frame := map[string]any{"type": req.Type, "id": req.ID, "version": "v1"}
	if data != nil {
		frame["data"] = data
	}
	return d.send(frame)
}

// ReplyError answers req with a daemon error.
func (d *Daemon) ReplyError(req Request, errType, msg string) error {
	return d.send(map[string]any{
		"type":       req.Type,
		"id":         req.ID,
		"error_type": errType,
		"error":      map[string]any{"message": msg},
	})
}

// Push writes an unsolicited event frame.
func (d *Daemon) Push(eventType string, data any) error {
	return d.send(map[string]any{"type": eventType, "version": "v1", "data": data})
}

// SendRaw writes line followed by a newline.
func (d *Daemon) SendRaw(line string) error {
	return d.write([]byte(line + "\n"))
}

func (d *Daemon) send(frame map[string]any) error {
	b, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return d.write(append(b, '\n'))
}

func (d *Daemon) write(b []byte) error {
	d.mu.Lock()
	conns := append([]net.Conn(nil), d.conns...)
	d.mu.Unlock()
	if len(conns) == 0 {
		return errors.New("signaldtest: no client connected")
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	for _, c := range conns {
		if _, err := c.Write(b); err != nil {
			return err
		}
	}
	return nil
}

// Hangup drops every client connection while leaving the listener open.
func (d *Daemon) Hangup() {
	d.mu.Lock()
	conns := d.conns
	d.conns = nil
	d.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Close stops the daemon and waits for its goroutines.
func (d *Daemon) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	conns := d.conns
	d.conns = nil
	d.cond.Broadcast()
	d.mu.Unlock()

	d.ln.Close()
	for _, c := range conns {
		c.Close()
	}
	d.wg.Wait()
	os.RemoveAll(d.dir)
}

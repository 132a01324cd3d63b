// Copyright 2024 AgentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	log "github.com/sirupsen/logrus"

	"agentfs/internal/common"
	"agentfs/internal/protocol"
	"agentfs/internal/util"
)

// Handler serves one decoded, validated request for a session.
type Handler interface {
	Handle(s *Session, req protocol.Request) protocol.Response
	// Closed is called once when a session ends.
	Closed(s *Session)
}

// Session is the per-connection state established by the handshake.
type Session struct {
	ID     uint64
	Client string
	PID    uint32

	mu      sync.Mutex
	watches map[uint64]struct{}
	handles map[uint64]uint32 // handle -> pid
}

func (s *Session) addHandle(h uint64, pid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handles == nil {
		s.handles = make(map[uint64]uint32)
	}
	s.handles[h] = pid
}

func (s *Session) dropHandle(h uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, h)
}

// takeHandles returns and forgets the handles the session still holds.
func (s *Session) takeHandles() map[uint64]uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handles
	s.handles = nil
	return h
}

func (s *Session) addWatch(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watches == nil {
		s.watches = make(map[uint64]struct{})
	}
	s.watches[id] = struct{}{}
}

func (s *Session) dropWatch(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watches, id)
}

// takeWatches returns and forgets the session's watch registrations.
func (s *Session) takeWatches() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint64, 0, len(s.watches))
	for id := range s.watches {
		ids = append(ids, id)
	}
	s.watches = nil
	return ids
}

// Server is the control-plane server. Each connection must open with a
// Handshake frame; afterwards every frame is one request and one reply.
type Server struct {
	handler          Handler
	handshakeTimeout time.Duration
	ioTimeout        time.Duration

	mu       sync.Mutex
	listener net.Listener
	conns    map[io.Closer]struct{}
	closing  bool

	nextSession atomic.Uint64
	wg          sync.WaitGroup
}

// NewServer creates a new control-plane server
func NewServer(handler Handler, handshakeTimeout, ioTimeout time.Duration) *Server {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 2 * time.Second
	}
	return &Server{
		handler:          handler,
		handshakeTimeout: handshakeTimeout,
		ioTimeout:        ioTimeout,
		conns:            make(map[io.Closer]struct{}),
	}
}

// Start listens on the daemon socket and serves in the background.
func (s *Server) Start() error {
	// Remove a stale socket; the daemon lock guarantees no live owner.
	os.Remove(SocketPath())

	listener, err := net.Listen("unix", SocketPath())
	if err != nil {
		return fmt.Errorf("failed to create socket: %w", err)
	}
	if err := os.Chmod(SocketPath(), 0600); err != nil {
		listener.Close()
		return fmt.Errorf("failed to secure socket: %w", err)
	}
	go s.Serve(listener)
	return nil
}

// Serve accepts connections on l until Stop is called.
func (s *Server) Serve(l net.Listener) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		l.Close()
		return
	}
	s.listener = l
	s.mu.Unlock()

	for {
		conn, err := l.Accept()
		if err != nil {
			return // Server stopped
		}
		if !s.track(conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.ServeConn(conn)
		}()
	}
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) track(c io.Closer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c io.Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// Stop stops accepting, waits up to timeout for in-flight requests to be
// answered, then closes the remaining connections.
func (s *Server) Stop(timeout time.Duration) {
	s.mu.Lock()
	s.closing = true
	if s.listener != nil {
		s.listener.Close()
	}
	// Idle connections block in ReadFrame; expire their reads so the
	// serve loops notice closing after finishing any request in flight.
	for c := range s.conns {
		if dc, ok := c.(interface{ SetReadDeadline(time.Time) error }); ok {
			dc.SetReadDeadline(time.Now())
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		log.Warnf("[DAEMON] %d connection(s) still busy after %v, closing", s.Connections(), timeout)
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		<-done
	}
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

type deadliner interface {
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// ServeConn runs the handshake and request loop on rw until the peer
// disconnects. Deadlines apply when rw supports them (sockets, not stdio).
func (s *Server) ServeConn(rw io.ReadWriteCloser) {
	defer rw.Close()
	sess := &Session{ID: s.nextSession.Add(1)}
	dl, _ := rw.(deadliner)

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[DAEMON] session %d panic: %v\n%s", sess.ID, r, debug.Stack())
		}
		s.handler.Closed(sess)
	}()

	if dl != nil {
		dl.SetReadDeadline(time.Now().Add(s.handshakeTimeout))
	}
	if err := s.handshake(rw, dl, sess); err != nil {
		log.Debugf("[DAEMON] session %d handshake failed: %v", sess.ID, err)
		return
	}

	for {
		if dl != nil {
			var deadline time.Time
			if s.ioTimeout > 0 {
				deadline = time.Now().Add(s.ioTimeout)
			}
			dl.SetReadDeadline(deadline)
		}
		body, err := protocol.ReadFrame(rw)
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.isClosing() {
				log.Debugf("[DAEMON] session %d read: %v", sess.ID, err)
			}
			return
		}
		resp := s.dispatch(sess, body)
		if dl != nil && s.ioTimeout > 0 {
			dl.SetWriteDeadline(time.Now().Add(s.ioTimeout))
		}
		if err := protocol.WriteResponse(rw, resp); err != nil {
			log.Debugf("[DAEMON] session %d write: %v", sess.ID, err)
			return
		}
		if s.isClosing() {
			return
		}
	}
}

func (s *Server) handshake(rw io.ReadWriter, dl deadliner, sess *Session) error {
	body, err := protocol.ReadFrame(rw)
	if err != nil {
		return err
	}
	f, err := protocol.DecodeRequest(body)
	if err == nil {
		err = protocol.ValidateRequest(f)
	}
	if err == nil {
		if hs, ok := f.Request.(*protocol.Handshake); ok {
			sess.Client, sess.PID = hs.Client, hs.PID
			if dl != nil && s.ioTimeout > 0 {
				dl.SetWriteDeadline(time.Now().Add(s.ioTimeout))
			}
			return protocol.WriteResponse(rw, s.handler.Handle(sess, hs))
		}
		err = fmt.Errorf("%w: expected handshake, got %s", common.ErrSchema, f.Request.Tag())
	}
	protocol.WriteResponse(rw, protocol.ErrorFrom(err))
	return err
}

func (s *Server) dispatch(sess *Session, body []byte) protocol.Response {
	f, err := protocol.DecodeRequest(body)
	if err == nil {
		err = protocol.ValidateRequest(f)
	}
	if err != nil {
		return protocol.ErrorFrom(err)
	}
	if _, ok := f.Request.(*protocol.Handshake); ok {
		return protocol.ErrorFrom(fmt.Errorf("%w: duplicate handshake", common.ErrSchema))
	}
	return s.handler.Handle(sess, f.Request)
}

// Client is the control-plane client
type Client struct {
	conn io.ReadWriteCloser
	Ack  protocol.HandshakeAck
	mu   sync.Mutex
}

// ClientName identifies this process in handshakes.
var ClientName = "agentfs-cli"

// Connect dials the daemon socket with retries and performs the handshake
// for pid.
func Connect(ctx context.Context, pid uint32) (*Client, error) {
	return util.RetryWithResult(ctx, func() (*Client, error) {
		return Dial(SocketPath(), pid)
	},
		retry.Attempts(3),
		retry.Delay(50*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
}

// Dial connects to the socket at path and performs the handshake.
func Dial(path string, pid uint32) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	c, err := NewClient(conn, pid)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClient performs the handshake over an established stream.
func NewClient(conn io.ReadWriteCloser, pid uint32) (*Client, error) {
	c := &Client{conn: conn}
	resp, err := c.Call(protocol.Handshake{Client: ClientName, PID: pid})
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	ack, ok := resp.(*protocol.HandshakeAck)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected handshake reply %s", common.ErrDecode, resp.Tag())
	}
	c.Ack = *ack
	return c, nil
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends req and returns the reply. Error replies are returned as a
// *protocol.RemoteError that unwraps to the common sentinel.
func (c *Client) Call(req protocol.Request) (protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := protocol.WriteRequest(c.conn, req); err != nil {
		return nil, err
	}
	resp, err := protocol.ReadResponse(c.conn)
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("daemon closed connection")
	}
	if err != nil {
		return nil, err
	}
	if resp.Tag() != req.Tag() {
		return nil, fmt.Errorf("%w: reply %s to %s", common.ErrDecode, resp.Tag(), req.Tag())
	}
	return resp, nil
}

func call[T protocol.Response](c *Client, req protocol.Request) (T, error) {
	var zero T
	resp, err := c.Call(req)
	if err != nil {
		return zero, err
	}
	out, ok := resp.(T)
	if !ok {
		return zero, fmt.Errorf("%w: unexpected %s reply", common.ErrDecode, resp.Tag())
	}
	return out, nil
}

func (c *Client) ack(req protocol.Request) error {
	_, err := c.Call(req)
	return err
}

// Status returns the daemon status
func (c *Client) Status() (*protocol.StatusResult, error) {
	return call[*protocol.StatusResult](c, protocol.DaemonStatus{})
}

// Stop asks the daemon to shut down
func (c *Client) Stop() error {
	return c.ack(protocol.DaemonStop{})
}

// Stat returns the attributes of path in pid's view
func (c *Client) Stat(pid uint32, path string) (common.Attributes, error) {
	r, err := call[*protocol.StatResult](c, protocol.Stat{PID: pid, Path: path})
	if err != nil {
		return common.Attributes{}, err
	}
	return r.Attr, nil
}

// Readdir lists path in pid's view
func (c *Client) Readdir(pid uint32, path string) ([]common.DirEntry, error) {
	r, err := call[*protocol.ReaddirResult](c, protocol.Readdir{PID: pid, Path: path})
	if err != nil {
		return nil, err
	}
	return r.Entries, nil
}

// SnapshotCreate snapshots the branch pid sees
func (c *Client) SnapshotCreate(pid uint32, label string) (string, error) {
	r, err := call[*protocol.SnapshotCreated](c, protocol.SnapshotCreate{PID: pid, Label: label})
	if err != nil {
		return "", err
	}
	return r.ID, nil
}

// SnapshotList lists snapshots, oldest first
func (c *Client) SnapshotList(scope string) (*protocol.SnapshotListResult, error) {
	return call[*protocol.SnapshotListResult](c, protocol.SnapshotList{PathScope: scope})
}

// SnapshotExport materializes a snapshot into a host directory
func (c *Client) SnapshotExport(id, dest string, excludes []string) error {
	return c.ack(protocol.SnapshotExport{ID: id, DestDir: dest, Excludes: excludes})
}

// SnapshotDelete removes a snapshot
func (c *Client) SnapshotDelete(id string) error {
	return c.ack(protocol.SnapshotDelete{ID: id})
}

// BranchCreate creates a branch from a snapshot (empty = current root tree)
func (c *Client) BranchCreate(fromSnapshot, name string) (string, error) {
	r, err := call[*protocol.BranchCreated](c, protocol.BranchCreate{FromSnapshot: fromSnapshot, Name: name})
	if err != nil {
		return "", err
	}
	return r.ID, nil
}

// BranchBind binds pids to a branch
func (c *Client) BranchBind(id string, pids ...uint32) error {
	return c.ack(protocol.BranchBind{ID: id, PIDs: pids})
}

// BranchUnbind returns pid to the root branch
func (c *Client) BranchUnbind(pid uint32) error {
	return c.ack(protocol.BranchUnbind{PID: pid})
}

// BranchList lists branches
func (c *Client) BranchList() (*protocol.BranchListResult, error) {
	return call[*protocol.BranchListResult](c, protocol.BranchList{})
}

// BranchDelete removes a branch
func (c *Client) BranchDelete(id string) error {
	return c.ack(protocol.BranchDelete{ID: id})
}

// FaultSet installs a fault policy
func (c *Client) FaultSet(req protocol.FaultSet) error {
	return c.ack(req)
}

// FaultClear disables fault injection
func (c *Client) FaultClear() error {
	return c.ack(protocol.FaultClear{})
}

// WatchRegister registers a kqueue or FSEvents watch
func (c *Client) WatchRegister(req protocol.Request) (uint64, error) {
	r, err := call[*protocol.WatchRegistered](c, req)
	if err != nil {
		return 0, err
	}
	return r.ID, nil
}

// WatchDrain takes up to max queued notifications
func (c *Client) WatchDrain(id uint64, max uint32) (*protocol.WatchEvents, error) {
	return call[*protocol.WatchEvents](c, protocol.WatchDrain{ID: id, Max: max})
}

// WatchUnregister drops a watch
func (c *Client) WatchUnregister(id uint64) error {
	return c.ack(protocol.WatchUnregister{ID: id})
}

// IsDaemonRunning checks if the daemon is running
func IsDaemonRunning() bool {
	client, err := Dial(SocketPath(), 0)
	if err != nil {
		return false
	}
	client.Close()
	return true
}

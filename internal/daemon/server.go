package daemon

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/store"
)

// Controller is the part of the orchestrator the daemon drives.
type Controller interface {
	Shutdown()
}

// StartFunc applies a run configuration received before the run loop
// starts. Returning an error rejects the request.
type StartFunc func(RunConfig) error

// Server answers control requests on the workspace socket and pushes
// status and log frames to subscribers. One server per workspace,
// enforced through the pid file.
type Server struct {
	root  string
	store *store.Store
	ctrl  Controller
	log   *logging.Logger

	// OnStart handles start-with-config requests. Nil rejects them.
	OnStart StartFunc
	// PushInterval paces status pushes. Zero means one second.
	PushInterval time.Duration

	ln       net.Listener
	stopped  chan struct{}
	stopOnce sync.Once

	mu   sync.Mutex
	subs map[net.Conn]*subscription
}

type subscription struct {
	status bool
	logs   bool
	logOff int64
	wmu    sync.Mutex
}

// NewServer builds a server for the workspace rooted at root.
func NewServer(root string, st *store.Store, ctrl Controller, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Discard()
	}
	return &Server{
		root:    root,
		store:   st,
		ctrl:    ctrl,
		log:     log,
		stopped: make(chan struct{}),
		subs:    make(map[net.Conn]*subscription),
	}
}

// Listen claims the pid file and binds the workspace socket. A live
// daemon elsewhere returns ErrDaemonRunning.
func (s *Server) Listen() error {
	if err := acquirePidFile(s.root); err != nil {
		return err
	}
	sock := store.SocketPath(s.root)
	// The pid check above proved any existing socket is stale.
	os.Remove(sock)
	ln, err := net.Listen("unix", sock)
	if err != nil {
		releasePidFile(s.root)
		return err
	}
	s.ln = ln
	return nil
}

// Serve accepts connections until the context is cancelled or Stop is
// requested. Listen must have succeeded first.
func (s *Server) Serve(ctx context.Context) error {
	defer s.cleanup()

	go s.pushLoop(ctx)
	go func() {
		select {
		case <-ctx.Done():
		case <-s.stopped:
		}
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-s.stopped:
				return nil
			default:
				return err
			}
		}
		go s.handleConn(ctx, conn)
	}
}

// Stopped is closed once a stop request has been accepted.
func (s *Server) Stopped() <-chan struct{} { return s.stopped }

func (s *Server) cleanup() {
	s.mu.Lock()
	for conn := range s.subs {
		conn.Close()
	}
	s.subs = make(map[net.Conn]*subscription)
	s.mu.Unlock()
	os.Remove(store.SocketPath(s.root))
	releasePidFile(s.root)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.subs, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		var req Request
		if err := ReadFrame(conn, &req); err != nil {
			if err != io.EOF {
				s.log.Debug("control read failed", "error", err)
			}
			return
		}
		if err := s.handleRequest(conn, &req); err != nil {
			return
		}
	}
}

func (s *Server) handleRequest(conn net.Conn, req *Request) error {
	switch req.Kind {
	case ReqPing:
		return s.respond(conn, Response{Kind: RespPong})
	case ReqStop:
		s.log.Info("stop requested over socket")
		if s.ctrl != nil {
			s.ctrl.Shutdown()
		}
		err := s.respond(conn, Response{Kind: RespOk})
		s.stopOnce.Do(func() { close(s.stopped) })
		return err
	case ReqSubscribeStatus:
		s.subscribe(conn, func(sub *subscription) { sub.status = true })
		return s.respond(conn, Response{Kind: RespOk})
	case ReqSubscribeLogs:
		off := s.logSize()
		s.subscribe(conn, func(sub *subscription) {
			sub.logs = true
			sub.logOff = off
		})
		return s.respond(conn, Response{Kind: RespOk})
	case ReqUnsubscribe:
		s.subscribe(conn, func(sub *subscription) {
			sub.status = false
			sub.logs = false
		})
		return s.respond(conn, Response{Kind: RespOk})
	case ReqStartWithConfig:
		s.mu.Lock()
		fn := s.OnStart
		s.OnStart = nil
		s.mu.Unlock()
		if fn == nil {
			return s.respond(conn, Response{Kind: RespError, Message: "orchestrator already running"})
		}
		var rc RunConfig
		if req.Config != nil {
			rc = *req.Config
		}
		if err := fn(rc); err != nil {
			// Failed starts may be retried with a corrected config.
			s.mu.Lock()
			s.OnStart = fn
			s.mu.Unlock()
			return s.respond(conn, Response{Kind: RespError, Message: err.Error()})
		}
		return s.respond(conn, Response{Kind: RespConfigApplied})
	default:
		return s.respond(conn, Response{Kind: RespError, Message: "unknown request kind: " + string(req.Kind)})
	}
}

func (s *Server) subscribe(conn net.Conn, mutate func(*subscription)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[conn]
	if !ok {
		sub = &subscription{}
		s.subs[conn] = sub
	}
	mutate(sub)
}

func (s *Server) respond(conn net.Conn, resp Response) error {
	s.mu.Lock()
	sub := s.subs[conn]
	s.mu.Unlock()
	if sub != nil {
		sub.wmu.Lock()
		defer sub.wmu.Unlock()
	}
	return WriteFrame(conn, resp)
}

func (s *Server) pushLoop(ctx context.Context) {
	interval := s.PushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopped:
			return
		case <-ticker.C:
		}
		s.pushStatus()
		s.pushLogs()
	}
}

func (s *Server) pushStatus() {
	targets := s.subscribers(func(sub *subscription) bool { return sub.status })
	if len(targets) == 0 {
		return
	}
	snap, err := Snapshot(s.store)
	if err != nil {
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}
	resp := Response{Kind: RespStatus, Payload: payload}
	for conn, sub := range targets {
		sub.wmu.Lock()
		err := WriteFrame(conn, resp)
		sub.wmu.Unlock()
		if err != nil {
			s.drop(conn)
		}
	}
}

// pushLogs tails the orchestrator log file and forwards new bytes to
// log subscribers, each from its own offset.
func (s *Server) pushLogs() {
	targets := s.subscribers(func(sub *subscription) bool { return sub.logs })
	if len(targets) == 0 {
		return
	}
	f, err := os.Open(store.LogPath(s.root))
	if err != nil {
		return
	}
	defer f.Close()
	for conn, sub := range targets {
		if _, err := f.Seek(sub.logOff, io.SeekStart); err != nil {
			continue
		}
		data, err := io.ReadAll(f)
		if err != nil || len(data) == 0 {
			continue
		}
		payload, err := json.Marshal(string(data))
		if err != nil {
			continue
		}
		sub.wmu.Lock()
		werr := WriteFrame(conn, Response{Kind: RespLog, Payload: payload})
		sub.wmu.Unlock()
		if werr != nil {
			s.drop(conn)
			continue
		}
		sub.logOff += int64(len(data))
	}
}

func (s *Server) subscribers(want func(*subscription) bool) map[net.Conn]*subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[net.Conn]*subscription)
	for conn, sub := range s.subs {
		if want(sub) {
			out[conn] = sub
		}
	}
	return out
}

func (s *Server) drop(conn net.Conn) {
	s.mu.Lock()
	delete(s.subs, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) logSize() int64 {
	info, err := os.Stat(store.LogPath(s.root))
	if err != nil {
		return 0
	}
	return info.Size()
}

// Package rpc is the local control plane of an updater: sibling
// processes of an application connect to a unix socket to read the
// update status, get status pushes, and trigger download and
// relaunch.  Frames are msgpack values written back to back.
package rpc

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/t7a/pitupdate/releaser"
	"github.com/vmihailenco/msgpack"
	"golang.org/x/crypto/blake2b"
)

// Updater is what the server exposes.
type Updater interface {
	Status() Status
	// WatchStatus delivers the status after every change until cancel
	// is called.
	WatchStatus() (statuses <-chan Status, cancel func())
	UpdateAndRelaunch(ctx context.Context) error
	DownloadUpdate(ctx context.Context) error
	NextUpdate(ctx context.Context) (*releaser.Release, error)
}

// SocketPath returns the control socket for an application.  Without
// a name, the socket is named after the hash of appPath so every
// install gets its own.
func SocketPath(name, appPath string) string {
	if name == "" {
		sum := blake2b.Sum256([]byte(appPath))
		name = hex.EncodeToString(sum[:])
	}
	return filepath.Join(os.TempDir(), name+".sock")
}

// Server serves one Updater on a unix socket.
type Server struct {
	Path string

	u        Updater
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	nextID int
}

// Listen serves u at path.  A socket file left behind by a dead
// server is replaced.
func Listen(path string, u Updater) (s *Server, err error) {
	if _, err := os.Stat(path); err == nil {
		conn, err := net.Dial("unix", path)
		if err == nil {
			conn.Close()
			return nil, &os.PathError{Op: "listen", Path: path, Err: os.ErrExist}
		}
		os.Remove(path)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return
	}
	s = &Server{
		Path:     path,
		u:        u,
		listener: listener,
		conns:    make(map[net.Conn]struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.serve()
	log.Debugf("control socket %s", path)
	return
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() == nil {
				log.Errorf("accept: %v", err)
			}
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.nextID++
		id := s.nextID
		s.mu.Unlock()
		s.wg.Add(1)
		go s.handle(conn, id)
	}
}

// session is one client connection.
type session struct {
	conn  net.Conn
	encMu sync.Mutex
	enc   *msgpack.Encoder
	log   *log.Entry
}

func (ss *session) send(res *Response) error {
	ss.encMu.Lock()
	defer ss.encMu.Unlock()
	return ss.enc.Encode(res)
}

// handle serves a single connection
func (s *Server) handle(conn net.Conn, id int) {
	defer s.wg.Done()
	ss := &session{
		conn: conn,
		enc:  msgpack.NewEncoder(conn),
		log:  log.WithField("session", id),
	}
	ctx, cancel := context.WithCancel(s.ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		conn.Close()
		wg.Wait()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	// push status changes
	statuses, unwatch := s.u.WatchStatus()
	defer unwatch()
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case st, ok := <-statuses:
				if !ok {
					return
				}
				err := ss.send(&Response{Method: MethodOnUpdateStatus, Status: &st})
				if err != nil {
					ss.log.Debugf("push: %v", err)
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	dec := msgpack.NewDecoder(conn)
	for {
		req := &Request{}
		err := dec.Decode(req)
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			ss.log.Debugf("read: %v", err)
			return
		}
		// requests like nextUpdate block, so each gets its own goroutine
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := s.dispatch(ctx, req)
			err := ss.send(res)
			if err != nil {
				ss.log.Debugf("reply %s: %v", req.Method, err)
			}
		}()
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) (res *Response) {
	res = &Response{ID: req.ID, Method: req.Method}
	var err error
	switch req.Method {
	case MethodStatus:
		st := s.u.Status()
		res.Status = &st
	case MethodUpdateAndRelaunch:
		err = s.u.UpdateAndRelaunch(ctx)
	case MethodDownloadUpdate:
		err = s.u.DownloadUpdate(ctx)
	case MethodNextUpdate:
		res.Release, err = s.u.NextUpdate(ctx)
	default:
		err = &Error{Code: CodeUnknown, Message: "unknown method " + req.Method}
	}
	res.Error = toError(err)
	return
}

// Close stops listening, drops every connection and removes the
// socket file.
func (s *Server) Close() (err error) {
	s.cancel()
	err = s.listener.Close()
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	os.Remove(s.Path)
	return
}

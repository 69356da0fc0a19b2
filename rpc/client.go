package rpc

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/pitupdate/internal/queue"
	"github.com/t7a/pitupdate/releaser"
	"github.com/vmihailenco/msgpack"
)

// ErrClosed is returned by calls on a closed client or a connection
// the server dropped.
var ErrClosed = errors.New("control connection closed")

// Event is a status transition seen by a Client.
type Event string

const (
	EventAvailable   Event = "available"
	EventDownloading Event = "downloading"
	EventDownloaded  Event = "downloaded"
)

// Client is a connection to an updater's control socket.  It keeps a
// mirror of the updater status, refreshed by server pushes.
type Client struct {
	conn  net.Conn
	encMu sync.Mutex
	enc   *msgpack.Encoder

	mu      sync.Mutex
	status  Status
	nextID  uint64
	pending map[uint64]chan *Response
	events  *queue.Queue[Event]
	closed  bool
	done    chan struct{}
}

// waitFor blocks until path exists or ctx is done.
func waitFor(ctx context.Context, path string) (err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}
	defer watcher.Close()
	err = watcher.Add(filepath.Dir(path))
	if err != nil {
		return
	}
	// the socket may have appeared before the watch started
	if _, err = os.Stat(path); err == nil {
		return
	}
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return ErrClosed
			}
			if ev.Name == path && ev.Op&fsnotify.Create == fsnotify.Create {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return ErrClosed
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Dial connects to the control socket at path, waiting for it to
// appear, and loads the current status.
func Dial(ctx context.Context, path string) (c *Client, err error) {
	path = filepath.Clean(path)
	if _, err = os.Stat(path); os.IsNotExist(err) {
		log.Debugf("waiting for %s", path)
		err = waitFor(ctx, path)
	}
	if err != nil {
		return
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return
	}
	c = &Client{
		conn:    conn,
		enc:     msgpack.NewEncoder(conn),
		pending: make(map[uint64]chan *Response),
		events:  queue.New[Event](),
		done:    make(chan struct{}),
	}
	go c.read()

	res, err := c.call(ctx, MethodStatus)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.update(res.Status)
	return c, nil
}

func (c *Client) read() {
	defer c.shutdown()
	dec := msgpack.NewDecoder(c.conn)
	for {
		res := &Response{}
		err := dec.Decode(res)
		if err != nil {
			log.Debugf("control read: %v", err)
			return
		}
		if res.ID == 0 {
			if res.Method == MethodOnUpdateStatus && res.Status != nil {
				c.update(res.Status)
			}
			continue
		}
		c.mu.Lock()
		ch := c.pending[res.ID]
		delete(c.pending, res.ID)
		c.mu.Unlock()
		if ch != nil {
			ch <- res
		}
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	c.events.Finish()
	c.conn.Close()
}

// update replaces the mirrored status and emits the transitions.
func (c *Client) update(st *Status) {
	if st == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	prev := c.status
	c.status = *st
	if !prev.UpdateAvailable && st.UpdateAvailable {
		c.emit(EventAvailable)
	}
	if !prev.UpdateDownloading && st.UpdateDownloading {
		c.emit(EventDownloading)
	}
	if !prev.UpdateDownloaded && st.UpdateDownloaded {
		c.emit(EventDownloaded)
	}
}

// caller holds c.mu
func (c *Client) emit(ev Event) {
	c.events.Push(ev)
}

func (c *Client) call(ctx context.Context, method string) (res *Response, err error) {
	ch := make(chan *Response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()

	c.encMu.Lock()
	err = c.enc.Encode(&Request{ID: id, Method: method})
	c.encMu.Unlock()
	if err != nil {
		c.forget(id)
		return
	}

	select {
	case res = <-ch:
		if res.Error != nil {
			return res, res.Error
		}
		return res, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// Status returns the mirrored status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Events delivers status transitions in order, however far the
// receiver falls behind.  When the connection ends the remaining
// events are delivered and the channel is closed; Close drops them.
func (c *Client) Events() <-chan Event { return c.events.C() }

// Refresh asks the server for its status.
func (c *Client) Refresh(ctx context.Context) (st Status, err error) {
	res, err := c.call(ctx, MethodStatus)
	if err != nil {
		return
	}
	c.update(res.Status)
	return c.Status(), nil
}

func (c *Client) UpdateAndRelaunch(ctx context.Context) (err error) {
	_, err = c.call(ctx, MethodUpdateAndRelaunch)
	return
}

func (c *Client) DownloadUpdate(ctx context.Context) (err error) {
	_, err = c.call(ctx, MethodDownloadUpdate)
	return
}

// NextUpdate waits for the updater to find an update.
func (c *Client) NextUpdate(ctx context.Context) (rel *releaser.Release, err error) {
	res, err := c.call(ctx, MethodNextUpdate)
	if err != nil {
		return
	}
	return res.Release, nil
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Close() error {
	c.shutdown()
	c.events.Cancel()
	return nil
}

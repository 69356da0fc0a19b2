package rpc

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/t7a/pitupdate/releaser"
)

type precondition string

func (p precondition) Error() string { return string(p) }
func (p precondition) Code() string  { return CodePrecondition }

// fakeUpdater is an Updater whose state the test sets directly.
type fakeUpdater struct {
	mu       sync.Mutex
	status   Status
	watchers map[chan Status]struct{}
	next     chan *releaser.Release
	relaunch error
}

func newFake() *fakeUpdater {
	return &fakeUpdater{
		status:   Status{Version: "1.0.0", LatestRelease: &releaser.Release{Version: "1.0.0"}},
		watchers: make(map[chan Status]struct{}),
		next:     make(chan *releaser.Release, 1),
	}
}

func (f *fakeUpdater) set(fn func(st *Status)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(&f.status)
	for ch := range f.watchers {
		ch <- f.status
	}
}

func (f *fakeUpdater) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeUpdater) WatchStatus() (<-chan Status, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan Status, 16)
	f.watchers[ch] = struct{}{}
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.watchers, ch)
	}
}

func (f *fakeUpdater) UpdateAndRelaunch(ctx context.Context) error { return f.relaunch }

func (f *fakeUpdater) DownloadUpdate(ctx context.Context) error {
	f.set(func(st *Status) { st.UpdateDownloading = true })
	f.set(func(st *Status) {
		st.UpdateDownloading = false
		st.UpdateDownloaded = true
	})
	return nil
}

func (f *fakeUpdater) NextUpdate(ctx context.Context) (*releaser.Release, error) {
	select {
	case rel := <-f.next:
		return rel, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func sockPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "u.sock")
}

func setup(t *testing.T) (*fakeUpdater, *Server, *Client) {
	u := newFake()
	srv, err := Listen(sockPath(t), u)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, srv.Path)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return u, srv, c
}

func nextEvent(t *testing.T, c *Client) Event {
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
	}
	return ""
}

func TestStatus(t *testing.T) {
	_, _, c := setup(t)
	st := c.Status()
	assert.Equal(t, "1.0.0", st.Version)
	assert.Equal(t, "1.0.0", st.LatestRelease.Version)
	assert.False(t, st.UpdateAvailable)
}

func TestPush(t *testing.T) {
	u, _, c := setup(t)
	// the server has a watcher once the first status call returned
	u.set(func(st *Status) {
		st.LatestRelease = &releaser.Release{Version: "1.0.1"}
		st.UpdateAvailable = true
	})
	assert.Equal(t, EventAvailable, nextEvent(t, c))
	assert.Equal(t, "1.0.1", c.Status().LatestRelease.Version)

	err := c.DownloadUpdate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EventDownloading, nextEvent(t, c))
	assert.Equal(t, EventDownloaded, nextEvent(t, c))
}

func TestEventsBacklog(t *testing.T) {
	u, _, c := setup(t)
	// nobody reads events while the updater flaps
	for i := 0; i < 40; i++ {
		i := i
		u.set(func(st *Status) {
			st.Version = fmt.Sprint(i)
			st.UpdateAvailable = i%2 == 0
		})
	}
	require.Eventually(t, func() bool { return c.Status().Version == "39" },
		5*time.Second, 10*time.Millisecond)

	for i := 0; i < 20; i++ {
		assert.Equal(t, EventAvailable, nextEvent(t, c), "event %d", i)
	}
	select {
	case ev := <-c.Events():
		t.Fatalf("unexpected event %s", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRemoteError(t *testing.T) {
	u, _, c := setup(t)
	u.relaunch = precondition("no update available")
	err := c.UpdateAndRelaunch(context.Background())
	require.Error(t, err)
	assert.True(t, IsCode(err, CodePrecondition), "%v", err)
	assert.Contains(t, err.Error(), "no update available")

	u.relaunch = releaser.ErrUpgradeInProgress
	err = c.UpdateAndRelaunch(context.Background())
	assert.True(t, IsCode(err, CodeInProgress), "%v", err)

	u.relaunch = errors.New("disk on fire")
	err = c.UpdateAndRelaunch(context.Background())
	assert.True(t, IsCode(err, CodeInternal), "%v", err)
}

func TestNextUpdate(t *testing.T) {
	u, _, c := setup(t)
	done := make(chan *releaser.Release)
	go func() {
		rel, err := c.NextUpdate(context.Background())
		if err != nil {
			close(done)
			return
		}
		done <- rel
	}()
	// other calls are not blocked behind nextUpdate
	_, err := c.Refresh(context.Background())
	require.NoError(t, err)

	u.next <- &releaser.Release{Version: "2.0.0"}
	select {
	case rel := <-done:
		require.NotNil(t, rel)
		assert.Equal(t, "2.0.0", rel.Version)
	case <-time.After(5 * time.Second):
		t.Fatal("nextUpdate did not return")
	}
}

func TestServerClose(t *testing.T) {
	_, srv, c := setup(t)
	done := make(chan error)
	go func() {
		_, err := c.NextUpdate(context.Background())
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, srv.Close())
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("call did not fail on server close")
	}
	<-c.Done()
	_, err := c.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDialWaits(t *testing.T) {
	path := sockPath(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	type result struct {
		c   *Client
		err error
	}
	done := make(chan result)
	go func() {
		c, err := Dial(ctx, path)
		done <- result{c, err}
	}()
	time.Sleep(100 * time.Millisecond)
	srv, err := Listen(path, newFake())
	require.NoError(t, err)
	defer srv.Close()
	res := <-done
	require.NoError(t, res.err)
	defer res.c.Close()
	assert.Equal(t, "1.0.0", res.c.Status().Version)
}

func TestDialTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := Dial(ctx, sockPath(t))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestListenTwice(t *testing.T) {
	path := sockPath(t)
	srv, err := Listen(path, newFake())
	require.NoError(t, err)
	defer srv.Close()
	_, err = Listen(path, newFake())
	assert.Error(t, err)
}

func TestSocketPath(t *testing.T) {
	a := SocketPath("", "/opt/app")
	b := SocketPath("", "/opt/other")
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasSuffix(SocketPath("myapp", "/opt/app"), "myapp.sock"))
}

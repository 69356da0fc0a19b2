package swarm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/t7a/pitupdate/feed"
)

func mkfeeds(t *testing.T) (writer, reader *feed.Feed) {
	writer, err := feed.Open(feed.NewMemStorage(), nil)
	require.NoError(t, err)
	reader, err = feed.Open(feed.NewMemStorage(), writer.Key())
	require.NoError(t, err)
	reader.RetryInterval = 20 * time.Millisecond
	t.Cleanup(func() {
		writer.Close()
		reader.Close()
	})
	return
}

func appendN(t *testing.T, f *feed.Feed, n int) {
	for i := 0; i < n; i++ {
		_, err := f.Append([]byte(fmt.Sprintf("entry %d", f.Len())))
		require.NoError(t, err)
	}
}

func TestServerPeer(t *testing.T) {
	w, r := mkfeeds(t)
	appendN(t, w, 3)

	reg := prometheus.NewRegistry()
	srv := NewServer(NewMetrics(reg))
	remove := srv.Add(w)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	p := &Peer{URL: ts.URL}
	ctx := context.Background()

	n, err := p.Length(ctx, w.DiscoveryKey())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)

	e, err := p.Entry(ctx, w.DiscoveryKey(), 1)
	require.NoError(t, err)
	assert.Equal(t, "entry 1", string(e.Payload))
	assert.True(t, r.Verify(1, e))

	_, err = p.Entry(ctx, w.DiscoveryKey(), 7)
	assert.ErrorIs(t, err, feed.ErrNotFound)

	// the reader fetches through the peer
	r.AddSource(p)
	got, err := r.Get(ctx, 2, feed.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "entry 2", string(got))

	assert.Equal(t, float64(2), testutil.ToFloat64(srv.metrics.entries))

	remove()
	_, err = p.Length(ctx, w.DiscoveryKey())
	assert.ErrorIs(t, err, feed.ErrNotFound)
}

func TestPeerUnavailable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	p := &Peer{URL: url}
	_, err := p.Length(context.Background(), []byte("nobody"))
	assert.ErrorIs(t, err, feed.ErrUnavailable)
}

func TestLive(t *testing.T) {
	w, r := mkfeeds(t)
	srv := NewServer(nil)
	srv.Add(w)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	p := &Peer{URL: ts.URL}
	r.AddSource(p)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Live(ctx, r, nil)

	appendN(t, w, 2)
	require.Eventually(t, func() bool { return r.Len() == 2 }, 5*time.Second, 10*time.Millisecond)

	// a waiting reader wakes up on a pushed length
	done := make(chan string)
	go func() {
		buf, err := r.Get(ctx, 4, feed.GetOptions{Wait: true})
		if err != nil {
			done <- err.Error()
			return
		}
		done <- string(buf)
	}()
	appendN(t, w, 3)
	select {
	case got := <-done:
		assert.Equal(t, "entry 4", got)
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not wake up")
	}
}

func TestSwarm(t *testing.T) {
	w, r := mkfeeds(t)
	appendN(t, w, 4)

	seed, err := New(Config{Listen: "127.0.0.1:0"}, prometheus.NewRegistry())
	require.NoError(t, err)
	defer seed.Close()
	leave, err := seed.Join(w, true)
	require.NoError(t, err)
	defer leave()

	leech, err := New(Config{Peers: []string{"http://" + seed.Addr().String() + "/"}}, nil)
	require.NoError(t, err)
	defer leech.Close()
	assert.Nil(t, leech.Addr())
	leave2, err := leech.Join(r, false)
	require.NoError(t, err)
	defer leave2()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = r.Update(ctx, feed.UpdateOptions{IfAvailable: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), r.Len())
	got, err := r.Get(ctx, 3, feed.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "entry 3", string(got))
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv := NewServer(NewMetrics(reg))
	srv.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	ts := httptest.NewServer(srv)
	defer ts.Close()

	res, err := http.Get(ts.URL + "/feeds/00")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	buf := new(strings.Builder)
	_, err = io.Copy(buf, res.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `pitupdate_swarm_requests_total{code="404",route="info"} 1`)
}

func TestLocal(t *testing.T) {
	w, r := mkfeeds(t)
	appendN(t, w, 2)

	hub := NewLocal()
	leave, err := hub.Join(w, true)
	require.NoError(t, err)
	defer leave()
	leave2, err := hub.Join(r, false)
	require.NoError(t, err)
	defer leave2()
	assert.Equal(t, uint64(2), r.Len())

	appendN(t, w, 1)
	require.Eventually(t, func() bool { return r.Len() == 3 }, 5*time.Second, 10*time.Millisecond)
	got, err := r.Get(context.Background(), 2, feed.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "entry 2", string(got))

	// a reader that has an entry does not serve it unless it announced
	other, err := feed.Open(feed.NewMemStorage(), w.Key())
	require.NoError(t, err)
	defer other.Close()
	leave()
	leave3, err := hub.Join(other, false)
	require.NoError(t, err)
	defer leave3()
	_, err = other.Get(context.Background(), 0, feed.GetOptions{})
	assert.ErrorIs(t, err, feed.ErrNotFound)
}

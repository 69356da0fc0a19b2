package swarm

import (
	"context"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/pitupdate/feed"
	"github.com/vmihailenco/msgpack"
)

// Peer is a remote Server, usable as a feed.Source.
type Peer struct {
	URL    string
	Client *http.Client // nil means http.DefaultClient
}

func (p *Peer) client() *http.Client {
	if p.Client == nil {
		return http.DefaultClient
	}
	return p.Client
}

func (p *Peer) feedURL(dkey []byte) string {
	return fmt.Sprintf("%s/feeds/%s", p.URL, hex.EncodeToString(dkey))
}

// get fetches url and decodes a msgpack body into v.  Transport
// failures are reported as feed.ErrUnavailable and a 404 as
// feed.ErrNotFound.
func (p *Peer) get(ctx context.Context, url string, v interface{}) (err error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return
	}
	res, err := p.client().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", feed.ErrUnavailable, err)
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return feed.ErrNotFound
	default:
		return fmt.Errorf("%s: %s", url, res.Status)
	}
	buf, err := ioutil.ReadAll(res.Body)
	if err != nil {
		return
	}
	return msgpack.Unmarshal(buf, v)
}

func (p *Peer) Length(ctx context.Context, dkey []byte) (n uint64, err error) {
	info := &Info{}
	err = p.get(ctx, p.feedURL(dkey), info)
	if err != nil {
		return
	}
	return info.Length, nil
}

func (p *Peer) Entry(ctx context.Context, dkey []byte, seq uint64) (e *feed.Entry, err error) {
	e = &feed.Entry{}
	err = p.get(ctx, fmt.Sprintf("%s/entries/%d", p.feedURL(dkey), seq), e)
	if err != nil {
		return nil, err
	}
	return
}

func (p *Peer) liveURL(dkey []byte) string {
	u := p.feedURL(dkey) + "/live"
	if strings.HasPrefix(u, "https://") {
		return "wss://" + strings.TrimPrefix(u, "https://")
	}
	return "ws://" + strings.TrimPrefix(u, "http://")
}

// Live passes the lengths the peer pushes for f to f.Notify until ctx
// is done, reconnecting with backoff.  A nil b means exponential
// backoff with no elapsed time limit.
func (p *Peer) Live(ctx context.Context, f *feed.Feed, b backoff.BackOff) {
	if b == nil {
		eb := backoff.NewExponentialBackOff()
		eb.MaxElapsedTime = 0
		b = eb
	}
	logger := log.WithFields(log.Fields{"peer": p.URL, "feed": f.String()})
	url := p.liveURL(f.DiscoveryKey())

	op := func() error {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer conn.Close()
		b.Reset()
		logger.Debug("live connected")

		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
			case <-f.Done():
			case <-stop:
			}
			conn.Close()
		}()

		for {
			_, buf, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil {
					return backoff.Permanent(ctx.Err())
				}
				select {
				case <-f.Done():
					return backoff.Permanent(feed.ErrClosed)
				default:
				}
				return err
			}
			info := &Info{}
			err = msgpack.Unmarshal(buf, info)
			if err != nil {
				logger.Warnf("bad live message: %v", err)
				continue
			}
			err = f.Notify(ctx, p, info.Length)
			if err != nil {
				logger.Debugf("length %d: %v", info.Length, err)
			}
		}
	}
	notify := func(err error, d time.Duration) {
		logger.Debugf("live: %v, retrying in %s", err, d)
	}
	backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}

package swarm

import (
	"context"
	"encoding/hex"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/t7a/pitupdate/feed"
)

// Local is an in-process network.  Feeds joined to the same Local
// read each other's entries directly, and announced feeds push their
// length to every other member.
type Local struct {
	mu     sync.Mutex
	groups map[string]map[*feed.Feed]bool // dkey -> member -> announced
}

func NewLocal() *Local {
	return &Local{groups: make(map[string]map[*feed.Feed]bool)}
}

func (l *Local) Join(f *feed.Feed, announce bool) (leave func(), err error) {
	k := hex.EncodeToString(f.DiscoveryKey())
	l.mu.Lock()
	g := l.groups[k]
	if g == nil {
		g = make(map[*feed.Feed]bool)
		l.groups[k] = g
	}
	g[f] = announce
	l.mu.Unlock()

	remove := f.AddSource(&localSource{l: l, self: f})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	if announce {
		lengths, cancel := f.Subscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel()
			for {
				select {
				case n := <-lengths:
					for _, m := range l.members(k, f, false) {
						err := m.Notify(context.Background(), &localSource{l: l, self: m}, n)
						if err != nil {
							log.Debugf("local feed %s: length %d: %v", m, n, err)
						}
					}
				case <-stop:
					return
				case <-f.Done():
					return
				}
			}
		}()
	} else {
		// catch up with members that announced before we joined
		src := &localSource{l: l, self: f}
		n, _ := src.Length(context.Background(), f.DiscoveryKey())
		err = f.Notify(context.Background(), src, n)
		if err != nil {
			log.Debugf("local feed %s: catch up to %d: %v", f, n, err)
			err = nil
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			remove()
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.groups[k], f)
			if len(l.groups[k]) == 0 {
				delete(l.groups, k)
			}
		})
	}, nil
}

// members returns the other feeds in group k, only announced ones if
// announced is set.
func (l *Local) members(k string, self *feed.Feed, announced bool) (out []*feed.Feed) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for m, a := range l.groups[k] {
		if m == self || (announced && !a) {
			continue
		}
		out = append(out, m)
	}
	return
}

type localSource struct {
	l    *Local
	self *feed.Feed
}

func (s *localSource) Length(ctx context.Context, dkey []byte) (n uint64, err error) {
	for _, m := range s.l.members(hex.EncodeToString(dkey), s.self, true) {
		if ml := m.Len(); ml > n {
			n = ml
		}
	}
	return
}

func (s *localSource) Entry(ctx context.Context, dkey []byte, seq uint64) (*feed.Entry, error) {
	members := s.l.members(hex.EncodeToString(dkey), s.self, true)
	if len(members) == 0 {
		return nil, feed.ErrUnavailable
	}
	for _, m := range members {
		e, err := m.Entry(seq)
		if err == nil {
			return e, nil
		}
	}
	return nil, feed.ErrNotFound
}

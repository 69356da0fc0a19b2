// Package swarm replicates feeds between processes.  Every process can
// serve the feeds it announces over HTTP, and looks up feeds at a list
// of peer URLs.  Peers push feed lengths over a websocket so readers
// learn about new entries without polling.
package swarm

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/pitupdate/feed"
)

// Config says where to serve and whom to ask.
type Config struct {
	Peers  []string // base URLs of peers, e.g. http://host:7777
	Listen string   // address to serve announced feeds on; empty means don't serve
}

// Swarm is a network of HTTP peers.
type Swarm struct {
	Config

	server   *Server
	srv      *http.Server
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts serving on cfg.Listen, if set.  A nil reg disables
// metrics.
func New(cfg Config, reg prometheus.Registerer) (s *Swarm, err error) {
	s = &Swarm{Config: cfg}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.server = NewServer(NewMetrics(reg))
	if cfg.Listen == "" {
		return
	}
	s.listener, err = net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, err
	}
	s.srv = &http.Server{Handler: s.server}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.srv.Serve(s.listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("swarm serve: %v", err)
		}
	}()
	log.Infof("swarm listening on %s", s.listener.Addr())
	return
}

// Addr returns the address being served, or nil.
func (s *Swarm) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Server returns the handler serving announced feeds.
func (s *Swarm) Server() *Server { return s.server }

// Join makes f fetch from every configured peer and, if announce is
// set, serves it to peers.
func (s *Swarm) Join(f *feed.Feed, announce bool) (leave func(), err error) {
	if err = s.ctx.Err(); err != nil {
		return nil, err
	}
	var undo []func()
	if announce {
		undo = append(undo, s.server.Add(f))
	}
	for _, url := range s.Peers {
		p := &Peer{URL: strings.TrimRight(url, "/")}
		undo = append(undo, f.AddSource(p))
		ctx, cancel := context.WithCancel(s.ctx)
		undo = append(undo, cancel)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			p.Live(ctx, f, nil)
		}()
	}
	log.Debugf("joined feed %s announce %v peers %d", f, announce, len(s.Peers))
	var once sync.Once
	return func() {
		once.Do(func() {
			for _, fn := range undo {
				fn()
			}
		})
	}, nil
}

// Close stops serving and drops all peer connections.
func (s *Swarm) Close() (err error) {
	s.cancel()
	if s.srv != nil {
		err = s.srv.Close()
	}
	s.wg.Wait()
	return
}

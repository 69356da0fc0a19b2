package swarm

import (
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/pitupdate/feed"
	"github.com/vmihailenco/msgpack"
)

const contentType = "application/msgpack"

// Info is the body of a length response and of every live message.
type Info struct {
	_msgpack struct{} `msgpack:",asArray"`
	Length   uint64
}

// Server serves announced feeds to peers:
//
//	GET /feeds/{dkey}                feed Info
//	GET /feeds/{dkey}/entries/{seq}  signed Entry, 404 if not stored
//	GET /feeds/{dkey}/live           websocket of Info messages
//
// dkey is the hex discovery key.  Everything is msgpack.
type Server struct {
	router  *mux.Router
	metrics *Metrics

	mu    sync.Mutex
	feeds map[string]*feed.Feed
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func NewServer(m *Metrics) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		metrics: m,
		feeds:   make(map[string]*feed.Feed),
	}
	s.router.HandleFunc("/feeds/{dkey}", s.handleInfo).Methods("GET")
	s.router.HandleFunc("/feeds/{dkey}/entries/{seq:[0-9]+}", s.handleEntry).Methods("GET")
	s.router.HandleFunc("/feeds/{dkey}/live", s.handleLive)
	return s
}

// Handle adds another handler, such as a metrics endpoint.
func (s *Server) Handle(path string, h http.Handler) {
	s.router.Handle(path, h)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Add serves f until remove is called.
func (s *Server) Add(f *feed.Feed) (remove func()) {
	k := hex.EncodeToString(f.DiscoveryKey())
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feeds[k] = f
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.feeds[k] == f {
			delete(s.feeds, k)
		}
	}
}

func (s *Server) lookup(r *http.Request) *feed.Feed {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feeds[mux.Vars(r)["dkey"]]
}

func (s *Server) reply(w http.ResponseWriter, route string, code int, v interface{}) {
	s.metrics.request(route, strconv.Itoa(code))
	if v == nil {
		w.WriteHeader(code)
		return
	}
	buf, err := msgpack.Marshal(v)
	if err != nil {
		log.Errorf("encode %s reply: %v", route, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(code)
	w.Write(buf)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	f := s.lookup(r)
	if f == nil {
		s.reply(w, "info", http.StatusNotFound, nil)
		return
	}
	s.reply(w, "info", http.StatusOK, &Info{Length: f.Len()})
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	f := s.lookup(r)
	if f == nil {
		s.reply(w, "entry", http.StatusNotFound, nil)
		return
	}
	seq, err := strconv.ParseUint(mux.Vars(r)["seq"], 10, 64)
	if err != nil {
		s.reply(w, "entry", http.StatusBadRequest, nil)
		return
	}
	e, err := f.Entry(seq)
	if errors.Is(err, feed.ErrNotFound) {
		s.reply(w, "entry", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		log.Warnf("feed %s entry %d: %v", f, seq, err)
		s.reply(w, "entry", http.StatusInternalServerError, nil)
		return
	}
	s.metrics.served(len(e.Payload))
	s.reply(w, "entry", http.StatusOK, e)
}

// handleLive pushes the feed length now and after every change.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	f := s.lookup(r)
	if f == nil {
		s.reply(w, "live", http.StatusNotFound, nil)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	s.metrics.request("live", "101")
	s.metrics.live(1)
	defer s.metrics.live(-1)

	// notice when the peer goes away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	lengths, cancel := f.Subscribe()
	defer cancel()
	for {
		select {
		case n := <-lengths:
			buf, err := msgpack.Marshal(&Info{Length: n})
			if err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
				return
			}
		case <-gone:
			return
		case <-f.Done():
			return
		}
	}
}

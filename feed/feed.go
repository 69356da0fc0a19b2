// Package feed implements a signed, append-only log that can be
// replicated sparsely.  A feed is identified by an ed25519 public key;
// only the holder of the matching secret key can append.  Readers fill
// in entries on demand from one or more Sources and verify every entry
// against the public key before storing it.
package feed

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotFound means the entry is not stored locally and could not
	// be fetched.
	ErrNotFound = errors.New("entry not found")
	// ErrUnavailable means no source could be reached.
	ErrUnavailable = errors.New("no source available")
	// ErrReadOnly is returned by Append on a feed opened without its
	// secret key.
	ErrReadOnly = errors.New("feed is read-only")
	// ErrClosed is returned by operations on a closed feed.
	ErrClosed = errors.New("feed is closed")
	// ErrInvalidSignature means a fetched entry failed verification.
	ErrInvalidSignature = errors.New("invalid entry signature")
	// ErrKeyMismatch means the storage belongs to a different feed.
	ErrKeyMismatch = errors.New("storage holds a different feed key")
)

// discoveryContext keys the discovery hash so that the discovery key
// reveals nothing about the public key.
var discoveryContext = []byte("pitupdate")

// DefaultRetryInterval bounds how long a waiting Get or Update sleeps
// between source polls when no change notification arrives.
const DefaultRetryInterval = 2 * time.Second

// Entry is one signed log entry.
type Entry struct {
	_msgpack  struct{} `msgpack:",asArray"`
	Payload   []byte
	Signature []byte
}

// Meta is the persistent feed identity and known length.
type Meta struct {
	_msgpack  struct{} `msgpack:",asArray"`
	PublicKey []byte
	SecretKey []byte
	Length    uint64
}

// Storage persists the entries and metadata of one feed.
// Implementations must be safe for concurrent use, and PutEntry must
// tolerate rewriting an identical entry.
type Storage interface {
	Meta() (*Meta, error) // nil, nil when the storage is empty
	PutMeta(m *Meta) error
	Has(seq uint64) (bool, error)
	Entry(seq uint64) (*Entry, error) // ErrNotFound when not resident
	PutEntry(seq uint64, e *Entry) error
	Close() error
}

// Source is a remote holder of feeds, addressed by discovery key.
type Source interface {
	Length(ctx context.Context, discoveryKey []byte) (uint64, error)
	Entry(ctx context.Context, discoveryKey []byte, seq uint64) (*Entry, error)
}

// Feed is a signed append-only log.
type Feed struct {
	RetryInterval time.Duration

	storage Storage
	key     ed25519.PublicKey
	secret  ed25519.PrivateKey
	dkey    []byte

	mu         sync.Mutex
	length     uint64
	sources    map[int]Source
	nextSource int
	changed    chan struct{}
	subs       map[chan uint64]struct{}
	closed     bool
	done       chan struct{}
}

// Open opens the feed held in storage.  A nil key on empty storage
// creates a new writable feed with a fresh key pair; a nil key on
// existing storage reopens whatever feed it holds.  A non-nil key must
// match the storage, or initializes empty storage as a reader.
func Open(storage Storage, key []byte) (f *Feed, err error) {
	meta, err := storage.Meta()
	if err != nil {
		return
	}
	if meta == nil {
		meta = &Meta{}
		if key == nil {
			var pub ed25519.PublicKey
			var sec ed25519.PrivateKey
			pub, sec, err = ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return
			}
			meta.PublicKey = pub
			meta.SecretKey = sec
		} else {
			if len(key) != ed25519.PublicKeySize {
				return nil, ErrKeyMismatch
			}
			meta.PublicKey = append([]byte(nil), key...)
		}
		err = storage.PutMeta(meta)
		if err != nil {
			return
		}
	} else if key != nil && !bytes.Equal(key, meta.PublicKey) {
		return nil, ErrKeyMismatch
	}

	f = &Feed{
		RetryInterval: DefaultRetryInterval,
		storage:       storage,
		key:           ed25519.PublicKey(meta.PublicKey),
		length:        meta.Length,
		sources:       make(map[int]Source),
		changed:       make(chan struct{}),
		subs:          make(map[chan uint64]struct{}),
		done:          make(chan struct{}),
	}
	if len(meta.SecretKey) == ed25519.PrivateKeySize {
		f.secret = ed25519.PrivateKey(meta.SecretKey)
	}
	f.dkey = DiscoveryKey(f.key)
	log.Debugf("opened feed %s length %d writable %v", f, f.length, f.Writable())
	return
}

// DiscoveryKey derives the public rendezvous identifier of a feed key.
func DiscoveryKey(key []byte) []byte {
	h, err := blake2b.New256(discoveryContext)
	if err != nil {
		panic(err)
	}
	h.Write(key)
	return h.Sum(nil)
}

func (f *Feed) String() string {
	return hex.EncodeToString(f.key)[:8]
}

// Key returns the feed's public key.
func (f *Feed) Key() []byte { return f.key }

// DiscoveryKey returns the feed's discovery key.
func (f *Feed) DiscoveryKey() []byte { return f.dkey }

// Writable reports whether this process holds the feed's secret key.
func (f *Feed) Writable() bool { return f.secret != nil }

// Len returns the number of entries known to exist, whether or not
// they are stored locally.
func (f *Feed) Len() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.length
}

// Has reports whether entry seq is stored locally.
func (f *Feed) Has(seq uint64) bool {
	ok, err := f.storage.Has(seq)
	return err == nil && ok
}

// Entry returns the signed entry seq if it is stored locally, without
// asking any source.
func (f *Feed) Entry(seq uint64) (*Entry, error) {
	return f.storage.Entry(seq)
}

func signable(seq uint64, payload []byte) []byte {
	digest := blake2b.Sum256(payload)
	var buf [8 + blake2b.Size256]byte
	binary.BigEndian.PutUint64(buf[:8], seq)
	copy(buf[8:], digest[:])
	sum := blake2b.Sum256(buf[:])
	return sum[:]
}

// Verify checks the signature of entry seq against the feed key.
func (f *Feed) Verify(seq uint64, e *Entry) bool {
	if e == nil || len(e.Signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(f.key, signable(seq, e.Payload), e.Signature)
}

// Append signs payload and stores it as the next entry.
func (f *Feed) Append(payload []byte) (seq uint64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrClosed
	}
	if f.secret == nil {
		return 0, ErrReadOnly
	}
	seq = f.length
	e := &Entry{
		Payload:   payload,
		Signature: ed25519.Sign(f.secret, signable(seq, payload)),
	}
	err = f.storage.PutEntry(seq, e)
	if err != nil {
		return
	}
	f.length = seq + 1
	err = f.saveMeta()
	if err != nil {
		return
	}
	f.broadcast()
	return
}

// caller holds f.mu
func (f *Feed) saveMeta() error {
	return f.storage.PutMeta(&Meta{
		PublicKey: f.key,
		SecretKey: f.secret,
		Length:    f.length,
	})
}

// caller holds f.mu
func (f *Feed) broadcast() {
	close(f.changed)
	f.changed = make(chan struct{})
	for ch := range f.subs {
		select {
		case <-ch:
		default:
		}
		ch <- f.length
	}
}

// GetOptions controls Get.
type GetOptions struct {
	// Wait blocks until the entry can be fetched instead of failing
	// with ErrNotFound.
	Wait bool
}

// Get returns the payload of entry seq, fetching it from a source when
// it is not stored locally.  Cancelling ctx aborts only this fetch.
func (f *Feed) Get(ctx context.Context, seq uint64, opts GetOptions) (payload []byte, err error) {
	for {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return nil, ErrClosed
		}
		sources := f.sourceList()
		changed := f.changed
		f.mu.Unlock()

		e, err := f.storage.Entry(seq)
		if err == nil {
			return e.Payload, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}

		payload, err = f.fetch(ctx, seq, sources)
		if err == nil {
			return payload, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !opts.Wait {
			if errors.Is(err, ErrUnavailable) {
				err = ErrNotFound
			}
			return nil, err
		}

		var retry <-chan time.Time
		if len(sources) > 0 {
			retry = time.After(f.RetryInterval)
		}
		select {
		case <-changed:
		case <-retry:
		case <-f.done:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// caller holds f.mu
func (f *Feed) sourceList() (sources []Source) {
	for _, src := range f.sources {
		sources = append(sources, src)
	}
	return
}

func (f *Feed) fetch(ctx context.Context, seq uint64, sources []Source) (payload []byte, err error) {
	err = ErrUnavailable
	for _, src := range sources {
		e, ferr := src.Entry(ctx, f.dkey, seq)
		if ferr != nil {
			err = ferr
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if !f.Verify(seq, e) {
			log.Warnf("feed %s: entry %d failed verification", f, seq)
			err = ErrInvalidSignature
			continue
		}
		err = f.put(seq, e)
		if err != nil {
			return nil, err
		}
		return e.Payload, nil
	}
	return
}

func (f *Feed) put(seq uint64, e *Entry) (err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	err = f.storage.PutEntry(seq, e)
	if err != nil {
		return
	}
	return f.grow(seq + 1)
}

// caller holds f.mu
func (f *Feed) grow(n uint64) (err error) {
	if n <= f.length {
		return
	}
	log.Debugf("feed %s: length %d -> %d", f, f.length, n)
	f.length = n
	err = f.saveMeta()
	f.broadcast()
	return
}

// Notify records that src holds n entries.  The length is accepted
// only once src has produced a correctly signed entry n-1, so a source
// cannot claim entries that were never written.  Writable feeds ignore
// remote lengths since they are the authority on their own length.
func (f *Feed) Notify(ctx context.Context, src Source, n uint64) (err error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	if f.secret != nil || n <= f.length {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	// entries are verified before they are stored
	if _, err = f.storage.Entry(n - 1); err == nil {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.grow(n)
	}

	e, err := src.Entry(ctx, f.dkey, n-1)
	if err != nil {
		return
	}
	if !f.Verify(n-1, e) {
		log.Warnf("feed %s: claimed length %d not backed by a signed entry", f, n)
		return ErrInvalidSignature
	}
	return f.put(n-1, e)
}

// UpdateOptions controls Update.
type UpdateOptions struct {
	// IfAvailable returns after one round of asking sources instead
	// of waiting for the feed to grow.
	IfAvailable bool
}

// Update asks the sources for the feed length.  Unless IfAvailable is
// set it blocks until the known length grows or ctx is done.
func (f *Feed) Update(ctx context.Context, opts UpdateOptions) (err error) {
	start := f.Len()
	for {
		f.refresh(ctx)

		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return ErrClosed
		}
		grown := f.length > start
		changed := f.changed
		n := len(f.sources)
		f.mu.Unlock()

		if grown || opts.IfAvailable {
			return nil
		}

		var retry <-chan time.Time
		if n > 0 {
			retry = time.After(f.RetryInterval)
		}
		select {
		case <-changed:
		case <-retry:
		case <-f.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (f *Feed) refresh(ctx context.Context) {
	f.mu.Lock()
	sources := f.sourceList()
	f.mu.Unlock()
	for _, src := range sources {
		n, err := src.Length(ctx, f.dkey)
		if err != nil {
			log.Debugf("feed %s: length: %v", f, err)
			continue
		}
		err = f.Notify(ctx, src, n)
		if err != nil {
			log.Debugf("feed %s: length %d: %v", f, n, err)
		}
	}
}

// Download fetches every listed entry that is not yet stored locally,
// several at a time, waiting for entries the sources do not have yet.
func (f *Feed) Download(ctx context.Context, seqs []uint64) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, seq := range seqs {
		if f.Has(seq) {
			continue
		}
		seq := seq
		g.Go(func() error {
			_, err := f.Get(ctx, seq, GetOptions{Wait: true})
			return err
		})
	}
	return g.Wait()
}

// AddSource lets the feed fetch entries and lengths from src until the
// returned function is called.
func (f *Feed) AddSource(src Source) (remove func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSource
	f.nextSource++
	f.sources[id] = src
	f.broadcast()
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.sources, id)
	}
}

// Subscribe returns a channel that receives the feed length now and
// after every change.  Slow receivers only see the latest length.
func (f *Feed) Subscribe() (lengths <-chan uint64, cancel func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan uint64, 1)
	ch <- f.length
	f.subs[ch] = struct{}{}
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, ch)
	}
}

// Done is closed when the feed is closed.
func (f *Feed) Done() <-chan struct{} { return f.done }

// Close releases the storage.  Blocked calls return ErrClosed.
func (f *Feed) Close() (err error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.done)
	f.broadcast()
	f.mu.Unlock()
	return f.storage.Close()
}

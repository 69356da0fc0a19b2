// Package releaser publishes application releases into a chunk store
// and a signed release ledger, replicates both, materializes releases
// on disk, and hands a downloaded release to the swap helper.
//
// Storage layout:
//
//	<storage>/releases         ledger (leveldb)
//	<storage>/chunks           chunk store
//	<storage>/upgrading        upgrade lock marker
//	<storage>/latest-unpacked  materialized release
package releaser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/pitupdate/db"
	"github.com/t7a/pitupdate/feed"
	"github.com/t7a/pitupdate/internal/flock"
	"github.com/t7a/pitupdate/pack"
	"github.com/t7a/pitupdate/swap"
)

const (
	ReleasesDir = "releases"
	ChunksDir   = "chunks"
	LockFile    = "upgrading"
	UnpackedDir = "latest-unpacked"
)

var (
	// ErrUpgradeInProgress means another holder has the upgrade lock.
	ErrUpgradeInProgress = fmt.Errorf("upgrade already in progress: %w", flock.ErrLocked)
	// ErrNotUnpacked means Upgrade was asked to apply a release that
	// is not the one in the unpacked directory.
	ErrNotUnpacked = errors.New("release is not unpacked")
	// ErrNoHeader means ledger entry 0 is not a header.
	ErrNoHeader = errors.New("ledger has no header")
)

// Network replicates feeds with peers.  Announced feeds are served to
// peers; others are only looked up.
type Network interface {
	Join(f *feed.Feed, announce bool) (leave func(), err error)
}

// Releaser couples a release ledger with the chunk store its releases
// refer to.
type Releaser struct {
	Storage    string
	Launcher   swap.Launcher
	HelperPath string // empty means swap.DefaultHelper()

	releases *feed.Feed

	mu     sync.Mutex
	chunks *db.Store // nil until the header is known
	lock   *flock.Lock
	closed bool

	addMu    sync.Mutex
	unpackMu sync.Mutex
}

// New opens the releaser stored under storage.  A nil key opens the
// producer side, creating a fresh ledger key pair on first use; a
// non-nil key opens a consumer of that ledger.
func New(storage string, key []byte) (r *Releaser, err error) {
	defer Return(&err)

	err = os.MkdirAll(storage, 0755)
	Ck(err)

	ls, err := feed.NewLevelStorage(filepath.Join(storage, ReleasesDir))
	Ck(err)
	releases, err := feed.Open(ls, key)
	if err != nil {
		ls.Close()
		return nil, err
	}

	r = &Releaser{
		Storage:  storage,
		Launcher: swap.ExecLauncher{},
		releases: releases,
	}

	// open the chunk store now if we can name it
	var chunkKey []byte
	if buf, herr := releases.Get(context.Background(), 0, feed.GetOptions{}); herr == nil {
		h, herr := DecodeHeader(buf)
		if herr != nil {
			releases.Close()
			return nil, herr
		}
		chunkKey = h.ChunkStoreID
	}
	if chunkKey != nil || releases.Writable() {
		r.chunks, err = db.OpenStore(r.path(ChunksDir), chunkKey)
		if err != nil {
			releases.Close()
			return nil, err
		}
	}
	log.Debugf("releaser %s: ledger %s length %d", storage, releases, releases.Len())
	return r, nil
}

func (r *Releaser) path(name string) string {
	return filepath.Join(r.Storage, name)
}

// Key returns the ledger public key, which consumers need to open the
// ledger.
func (r *Releaser) Key() []byte { return r.releases.Key() }

// DiscoveryKey returns the ledger discovery key.
func (r *Releaser) DiscoveryKey() []byte { return r.releases.DiscoveryKey() }

// Writable reports whether this is the producer side.
func (r *Releaser) Writable() bool { return r.releases.Writable() }

// Len returns the number of ledger entries known, header included.
func (r *Releaser) Len() uint64 { return r.releases.Len() }

// UnpackedPath returns the directory releases are materialized into.
func (r *Releaser) UnpackedPath() string { return r.path(UnpackedDir) }

// LockPath returns the upgrade lock marker.
func (r *Releaser) LockPath() string { return r.path(LockFile) }

// HasUpgraded reports whether this storage has ever applied an upgrade.
func (r *Releaser) HasUpgraded() bool {
	_, err := os.Stat(r.LockPath())
	return err == nil
}

// getChunks returns the chunk store, waiting for the ledger header if
// it is not known yet.
func (r *Releaser) getChunks(ctx context.Context) (s *db.Store, err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, feed.ErrClosed
	}
	s = r.chunks
	r.mu.Unlock()
	if s != nil {
		return
	}

	buf, err := r.releases.Get(ctx, 0, feed.GetOptions{Wait: true})
	if err != nil {
		return
	}
	h, err := DecodeHeader(buf)
	if err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, feed.ErrClosed
	}
	if r.chunks == nil {
		r.chunks, err = db.OpenStore(r.path(ChunksDir), h.ChunkStoreID)
		if err != nil {
			return nil, err
		}
		log.Debugf("releaser %s: chunk store %x", r.Storage, h.ChunkStoreID[:4])
	}
	return r.chunks, nil
}

// Update waits until the ledger grows or ctx is done.
func (r *Releaser) Update(ctx context.Context) error {
	return r.releases.Update(ctx, feed.UpdateOptions{})
}

// GetReleaseInfo returns the release at ledger index seq.  Index 0 is
// the header, so the first release is at 1.
func (r *Releaser) GetReleaseInfo(ctx context.Context, seq uint64) (rel *Release, err error) {
	if seq == 0 {
		return nil, ErrNoHeader
	}
	buf, err := r.releases.Get(ctx, seq, feed.GetOptions{})
	if err != nil {
		return
	}
	return DecodeRelease(buf)
}

// GetLatestReleaseInfo asks the network for the ledger length without
// waiting for it to grow, then returns the last release.  It returns
// nil when no release has been published.
func (r *Releaser) GetLatestReleaseInfo(ctx context.Context) (rel *Release, err error) {
	err = r.releases.Update(ctx, feed.UpdateOptions{IfAvailable: true})
	if err != nil {
		return
	}
	n := r.releases.Len()
	if n < 2 {
		return nil, nil
	}
	return r.GetReleaseInfo(ctx, n-1)
}

// releaseStream concatenates release chunks; closing it stops the
// producer goroutine.
type releaseStream struct {
	*io.PipeReader
	cancel context.CancelFunc
}

func (rs *releaseStream) Close() error {
	rs.cancel()
	return rs.PipeReader.Close()
}

// CreateReleaseStream returns the release payload, reading chunks in
// order and fetching missing ones from the network.
func (r *Releaser) CreateReleaseStream(ctx context.Context, rel *Release) io.ReadCloser {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(r.writeRelease(ctx, rel, pw))
	}()
	return &releaseStream{PipeReader: pr, cancel: cancel}
}

func (r *Releaser) writeRelease(ctx context.Context, rel *Release, w io.Writer) (err error) {
	s, err := r.getChunks(ctx)
	if err != nil {
		return
	}
	var top uint64
	for _, seq := range rel.Chunks {
		if seq >= top {
			top = seq + 1
		}
	}
	// a signed release vouches for its chunks, so a lagging replica
	// waits for the chunk feed to catch up
	for !s.Feed.Writable() && s.Len() < top {
		err = s.Feed.Update(ctx, feed.UpdateOptions{})
		if err != nil {
			return fmt.Errorf("chunk %d: %w", top-1, err)
		}
	}
	for _, seq := range rel.Chunks {
		buf, err := s.Read(ctx, seq)
		if err != nil {
			return fmt.Errorf("chunk %d: %w", seq, err)
		}
		_, err = w.Write(buf)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Releaser) markerPath() string {
	return filepath.Join(r.UnpackedPath(), swap.VersionMarker)
}

// UnpackedVersion returns the version in the unpacked directory, or
// "" if there is no complete unpacked release.
func (r *Releaser) UnpackedVersion() string {
	buf, err := ioutil.ReadFile(r.markerPath())
	if err != nil {
		return ""
	}
	return string(bytes.TrimSpace(buf))
}

// DownloadRelease fetches every chunk of rel, several at a time, while
// unpacking it.
func (r *Releaser) DownloadRelease(ctx context.Context, rel *Release) (path string, err error) {
	s, err := r.getChunks(ctx)
	if err != nil {
		return
	}
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		err := s.Feed.Download(pctx, rel.Chunks)
		if err != nil && pctx.Err() == nil {
			log.Debugf("prefetch %s: %v", rel.Version, err)
		}
	}()
	return r.UnpackRelease(ctx, rel)
}

// UnpackRelease materializes rel into the unpacked directory.  Nothing
// is done if rel is already unpacked.  The version marker is written
// last, so an interrupted unpack is redone next time.
func (r *Releaser) UnpackRelease(ctx context.Context, rel *Release) (path string, err error) {
	r.unpackMu.Lock()
	defer r.unpackMu.Unlock()

	path = r.UnpackedPath()
	if r.UnpackedVersion() == rel.Version {
		log.Debugf("release %s already unpacked", rel.Version)
		return
	}

	err = os.Remove(r.markerPath())
	if err != nil && !os.IsNotExist(err) {
		return "", err
	}
	err = os.RemoveAll(path)
	if err != nil {
		return "", err
	}

	rs := r.CreateReleaseStream(ctx, rel)
	defer rs.Close()
	err = pack.Extract(ctx, rs, path)
	if err != nil {
		return "", fmt.Errorf("unpack %s: %w", rel.Version, err)
	}
	err = renameio.WriteFile(r.markerPath(), []byte(rel.Version), 0644)
	if err != nil {
		return "", err
	}
	log.Infof("unpacked release %s into %s", rel.Version, path)
	return path, nil
}

// Upgrade takes the upgrade lock and starts the helper that swaps the
// unpacked release into appPath and relaunches execPath with argv.
// The lock stays held until the releaser is closed or the process
// exits, which is what lets the helper proceed.
func (r *Releaser) Upgrade(ctx context.Context, rel *Release, appPath, execPath string, argv []string) (err error) {
	if err = ctx.Err(); err != nil {
		return
	}
	if r.UnpackedVersion() != rel.Version {
		return ErrNotUnpacked
	}

	l, err := flock.Acquire(r.LockPath())
	if errors.Is(err, flock.ErrLocked) {
		return ErrUpgradeInProgress
	}
	if err != nil {
		return
	}

	helper := r.HelperPath
	if helper == "" {
		helper, err = swap.DefaultHelper()
		if err != nil {
			l.Release()
			return
		}
	}
	p := &swap.Plan{
		Lock:      r.LockPath(),
		Unpacked:  r.UnpackedPath(),
		Installed: appPath,
		Exec:      execPath,
		Args:      argv,
	}
	if err = ctx.Err(); err != nil {
		l.Release()
		return
	}
	err = r.Launcher.Launch(helper, p.Argv()...)
	if err != nil {
		l.Release()
		return fmt.Errorf("launch %s: %w", helper, err)
	}
	log.Infof("upgrade to %s handed to %s", rel.Version, helper)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return l.Release()
	}
	r.lock = l
	return nil
}

// RecoverUpgrade repairs an interrupted swap of appPath.  It does
// nothing while a swap is in progress.
func (r *Releaser) RecoverUpgrade(appPath string) (recovered bool, err error) {
	held, err := flock.Held(r.LockPath())
	if err != nil || held {
		return
	}
	return swap.Recover(appPath, r.UnpackedPath())
}

// AddRelease publishes the directory or file at path as a new release
// with meta's version, and returns the stored release and its ledger
// index.
func (r *Releaser) AddRelease(ctx context.Context, path string, meta Release) (rel *Release, seq uint64, err error) {
	if !r.releases.Writable() {
		return nil, 0, feed.ErrReadOnly
	}
	r.addMu.Lock()
	defer r.addMu.Unlock()

	s, err := r.getChunks(ctx)
	if err != nil {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		return
	}
	var rd io.ReadCloser
	if info.IsDir() {
		rd = pack.Pack(ctx, path)
	} else {
		rd, err = os.Open(path)
		if err != nil {
			return
		}
	}
	defer rd.Close()

	rel = &Release{Version: meta.Version, Chunks: []uint64{}}
	err = s.Chunk(rd, func(payload []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		put, err := s.PutIfAbsent(payload)
		if err != nil {
			return err
		}
		n := uint64(len(payload))
		rel.ByteLength += n
		if put.Inserted {
			rel.DiffLength += n
		}
		rel.Chunks = append(rel.Chunks, put.Seq)
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("chunk %s: %w", path, err)
	}

	if r.releases.Len() == 0 {
		h := &Header{Protocol: Protocol, ChunkStoreID: s.Key()}
		buf, err := h.Encode()
		if err != nil {
			return nil, 0, err
		}
		_, err = r.releases.Append(buf)
		if err != nil {
			return nil, 0, err
		}
	}

	buf, err := rel.Encode()
	if err != nil {
		return
	}
	seq, err = r.releases.Append(buf)
	if err != nil {
		return
	}
	log.Infof("published %s at %d", rel, seq)
	return rel, seq, nil
}

// Replication is a running replication of one releaser.
type Replication struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	leaves []func()
	err    error
}

func (rp *Replication) add(leave func()) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.leaves = append(rp.leaves, leave)
}

// Err returns the error that stopped chunk store replication, if any.
func (rp *Replication) Err() error {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return rp.err
}

// Close leaves the network.
func (rp *Replication) Close() {
	rp.cancel()
	<-rp.done
	rp.mu.Lock()
	defer rp.mu.Unlock()
	for _, leave := range rp.leaves {
		leave()
	}
	rp.leaves = nil
}

// Replicate joins the ledger to net now, and the chunk store as soon
// as the ledger header names it.  The producer and upgraded installs
// announce; others only look up.
func (r *Releaser) Replicate(ctx context.Context, net Network) (rp *Replication, err error) {
	announce := r.releases.Writable() || r.HasUpgraded()
	leave, err := net.Join(r.releases, announce)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	rp = &Replication{cancel: cancel, done: make(chan struct{})}
	rp.add(leave)

	go func() {
		defer close(rp.done)
		s, err := r.getChunks(ctx)
		if err == nil {
			var leave func()
			leave, err = net.Join(s.Feed, announce)
			if err == nil {
				rp.add(leave)
				return
			}
		}
		if ctx.Err() == nil {
			log.Warnf("replicate chunk store: %v", err)
			rp.mu.Lock()
			rp.err = err
			rp.mu.Unlock()
		}
	}()
	return
}

// Close releases the upgrade lock if held and closes the ledger and
// the chunk store.  Replications should be closed first.
func (r *Releaser) Close() (err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	chunks := r.chunks
	l := r.lock
	r.mu.Unlock()

	if l != nil {
		l.Release()
	}
	err = r.releases.Close()
	if chunks != nil {
		cerr := chunks.Close()
		if err == nil {
			err = cerr
		}
	}
	return
}

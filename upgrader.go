package pitupdate

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/t7a/pitupdate/releaser"
	"github.com/t7a/pitupdate/rpc"
	"github.com/t7a/pitupdate/swarm"
)

// Status is the state the Upgrader shows to observers.
type Status = rpc.Status

// Releaser is the part of *releaser.Releaser the Upgrader drives.
type Releaser interface {
	Replicate(ctx context.Context, net releaser.Network) (*releaser.Replication, error)
	GetLatestReleaseInfo(ctx context.Context) (*releaser.Release, error)
	Update(ctx context.Context) error
	DownloadRelease(ctx context.Context, rel *releaser.Release) (string, error)
	Upgrade(ctx context.Context, rel *releaser.Release, appPath, execPath string, argv []string) error
	RecoverUpgrade(appPath string) (bool, error)
	Close() error
}

// Option adjusts New.
type Option func(*Upgrader)

// WithReleaser uses r instead of opening one in Config.Storage.
func WithReleaser(r Releaser) Option {
	return func(u *Upgrader) { u.releaser = r }
}

// WithNetwork replicates over net instead of a swarm built from the
// Config.
func WithNetwork(net releaser.Network) Option {
	return func(u *Upgrader) { u.net = net }
}

// Upgrader checks for newer releases of a packaged application,
// downloads them, and relaunches the application into them.
//
// States: idle, checking, available, downloading, downloaded, and
// closing, which absorbs all others.
type Upgrader struct {
	cfg      Config
	releaser Releaser
	net      releaser.Network

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	status   Status
	closing  bool
	gen      uint64
	dlCancel context.CancelCauseFunc
	waiters  map[chan *releaser.Release]struct{}
	subs     map[*Subscription]struct{}
	repl     *releaser.Replication
	swarm    *swarm.Swarm
	server   *rpc.Server
}

// New builds an Upgrader from cfg.  A packaged app gets a Releaser
// and starts checking for updates right away; an unpackaged one only
// reports its version.
func New(cfg Config, opts ...Option) (u *Upgrader, err error) {
	key, err := cfg.validate()
	if err != nil {
		return
	}
	u = &Upgrader{
		cfg: cfg,
		status: Status{
			Version:       cfg.Version,
			LatestRelease: &releaser.Release{Version: cfg.Version},
		},
		waiters: make(map[chan *releaser.Release]struct{}),
		subs:    make(map[*Subscription]struct{}),
	}
	u.ctx, u.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(u)
	}
	if !cfg.Packaged {
		return u, nil
	}

	if u.releaser == nil {
		r, err := releaser.New(cfg.Storage, key)
		if err != nil {
			return nil, err
		}
		r.HelperPath = cfg.HelperPath
		u.releaser = r
	}

	ok, err := u.releaser.RecoverUpgrade(cfg.AppPath)
	if err != nil {
		log.Warnf("recovering %s: %v", cfg.AppPath, err)
	} else if ok {
		log.Infof("recovered interrupted upgrade of %s", cfg.AppPath)
	}

	if u.net == nil {
		u.swarm, err = swarm.New(cfg.Swarm(), nil)
		if err != nil {
			u.releaser.Close()
			return nil, err
		}
		u.net = u.swarm
	}
	u.repl, err = u.releaser.Replicate(u.ctx, u.net)
	if err != nil {
		u.shutdown()
		return nil, err
	}

	u.wg.Add(1)
	go u.checkLoop()
	return u, nil
}

// Status returns a snapshot of the current state.
func (u *Upgrader) Status() Status {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.snapshot()
}

// caller holds u.mu
func (u *Upgrader) snapshot() Status {
	st := u.status
	if st.LatestRelease != nil {
		rel := *st.LatestRelease
		st.LatestRelease = &rel
	}
	return st
}

// Subscribe delivers the given kinds of events, or all events if none
// are given.
func (u *Upgrader) Subscribe(kinds ...EventKind) *Subscription {
	u.mu.Lock()
	defer u.mu.Unlock()
	s := newSubscription(kinds, func(s *Subscription) {
		u.mu.Lock()
		defer u.mu.Unlock()
		delete(u.subs, s)
	})
	if u.closing {
		s.finish()
		return s
	}
	u.subs[s] = struct{}{}
	return s
}

// WatchStatus delivers the status after every change.
func (u *Upgrader) WatchStatus() (<-chan Status, func()) {
	sub := u.Subscribe()
	out := make(chan Status)
	go func() {
		defer close(out)
		for ev := range sub.C {
			select {
			case out <- ev.Status:
			case <-sub.q.Done():
				return
			}
		}
	}()
	return out, sub.Cancel
}

// caller holds u.mu
func (u *Upgrader) emit(kind EventKind, err error) {
	ev := Event{Kind: kind, Status: u.snapshot(), Err: err}
	for s := range u.subs {
		if s.wants(kind) {
			s.push(ev)
		}
	}
}

func (u *Upgrader) checkLoop() {
	defer u.wg.Done()
	logger := log.WithField("app", u.cfg.AppPath)
	for u.ctx.Err() == nil {
		rel, err := u.releaser.GetLatestReleaseInfo(u.ctx)
		if err != nil {
			logger.Debugf("check: %v", err)
		} else if rel != nil {
			u.offer(rel)
		}

		// wait for the ledger to grow, but not forever
		ctx, cancel := context.WithTimeout(u.ctx, u.cfg.PollInterval)
		err = u.releaser.Update(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Debugf("update: %v", err)
			<-ctx.Done()
		}
		cancel()
	}
}

// offer records rel if it is newer than the latest known release.
func (u *Upgrader) offer(rel *releaser.Release) {
	u.mu.Lock()
	if u.closing || !releaser.Newer(u.status.LatestRelease.Version, rel.Version) {
		u.mu.Unlock()
		return
	}
	log.Infof("release %s available (running %s)", rel.Version, u.status.Version)
	if u.dlCancel != nil {
		// a download of the previous release is no longer wanted
		u.dlCancel(ErrDownloadCancelled)
		u.dlCancel = nil
		u.gen++
		u.status.UpdateDownloading = false
	}
	u.status.LatestRelease = rel
	u.status.UpdateAvailable = true
	u.status.UpdateDownloaded = false
	u.emit(EventAvailable, nil)
	for ch := range u.waiters {
		ch <- rel
		delete(u.waiters, ch)
	}
	auto := u.cfg.AutoDownload
	u.mu.Unlock()

	if auto {
		u.wg.Add(1)
		go func() {
			defer u.wg.Done()
			err := u.DownloadUpdate(u.ctx)
			if err != nil && !errors.Is(err, ErrDownloadCancelled) && !errors.Is(err, ErrClosing) {
				log.Errorf("download %s: %v", rel.Version, err)
			}
		}()
	}
}

// DownloadUpdate downloads and unpacks the latest release.  A call
// made while another download is running cancels that one, whose
// caller gets ErrDownloadCancelled, and so does a newer release
// becoming available; only the newest call for the latest release can
// mark the update downloaded.
func (u *Upgrader) DownloadUpdate(ctx context.Context) (err error) {
	u.mu.Lock()
	if u.closing {
		u.mu.Unlock()
		return ErrClosing
	}
	if u.releaser == nil {
		u.mu.Unlock()
		return &PreconditionError{Reason: ReasonNotPackaged}
	}
	if !u.status.UpdateAvailable {
		u.mu.Unlock()
		return &PreconditionError{Reason: ReasonNoUpdate}
	}
	if u.status.UpdateDownloaded {
		u.mu.Unlock()
		return nil
	}
	if u.dlCancel != nil {
		u.dlCancel(ErrDownloadCancelled)
	}
	u.gen++
	gen := u.gen
	dctx, cancel := context.WithCancelCause(u.ctx)
	stop := context.AfterFunc(ctx, func() { cancel(context.Cause(ctx)) })
	u.dlCancel = cancel
	rel := u.status.LatestRelease
	u.status.UpdateDownloading = true
	u.emit(EventDownloading, nil)
	u.mu.Unlock()

	_, err = u.releaser.DownloadRelease(dctx, rel)
	stop()
	superseded := errors.Is(context.Cause(dctx), ErrDownloadCancelled)
	cancel(nil)

	u.mu.Lock()
	defer u.mu.Unlock()
	if gen != u.gen || superseded || rel != u.status.LatestRelease {
		return ErrDownloadCancelled
	}
	u.dlCancel = nil
	if u.closing {
		return ErrClosing
	}
	u.status.UpdateDownloading = false
	if err != nil {
		u.emit(EventError, err)
		return err
	}
	u.status.UpdateDownloaded = true
	log.Infof("release %s downloaded", rel.Version)
	u.emit(EventDownloaded, nil)
	return nil
}

// NextUpdate returns the latest release once an update is available.
// It fails with ErrClosing if the Upgrader closes first.
func (u *Upgrader) NextUpdate(ctx context.Context) (rel *releaser.Release, err error) {
	u.mu.Lock()
	if u.closing {
		u.mu.Unlock()
		return nil, ErrClosing
	}
	if u.status.UpdateAvailable {
		rel = u.status.LatestRelease
		u.mu.Unlock()
		return
	}
	ch := make(chan *releaser.Release, 1)
	u.waiters[ch] = struct{}{}
	u.mu.Unlock()

	select {
	case rel, ok := <-ch:
		if !ok {
			return nil, ErrClosing
		}
		return rel, nil
	case <-ctx.Done():
		u.mu.Lock()
		delete(u.waiters, ch)
		u.mu.Unlock()
		return nil, ctx.Err()
	}
}

// UpdateAndRelaunch hands the downloaded release to the swap helper.
// With AutoQuit set, Config.Quit is called once the helper is running;
// the helper swaps only after this process has exited.
func (u *Upgrader) UpdateAndRelaunch(ctx context.Context) (err error) {
	u.mu.Lock()
	switch {
	case u.closing:
		err = ErrClosing
	case !u.status.UpdateAvailable:
		err = &PreconditionError{Reason: ReasonNoUpdate}
	case !u.status.UpdateDownloaded:
		err = &PreconditionError{Reason: ReasonNotDownloaded}
	case !u.cfg.Packaged || u.releaser == nil:
		err = &PreconditionError{Reason: ReasonNotPackaged}
	}
	rel := u.status.LatestRelease
	u.mu.Unlock()
	if err != nil {
		return
	}

	err = u.releaser.Upgrade(ctx, rel, u.cfg.AppPath, u.cfg.ExecPath, u.cfg.Argv)
	if err != nil {
		return
	}
	if u.cfg.AutoQuit && u.cfg.Quit != nil {
		u.cfg.Quit()
	}
	return nil
}

// Listen serves the control plane for sibling processes.
func (u *Upgrader) Listen() (path string, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closing {
		return "", ErrClosing
	}
	if u.server != nil {
		return "", errors.New("already listening")
	}
	u.server, err = rpc.Listen(rpc.SocketPath(u.cfg.Name, u.cfg.AppPath), u)
	if err != nil {
		return
	}
	return u.server.Path, nil
}

// Close stops checking, fails pending NextUpdate calls, and releases
// the network and the Releaser.  It is safe to call more than once.
func (u *Upgrader) Close() (err error) {
	u.mu.Lock()
	if u.closing {
		u.mu.Unlock()
		return nil
	}
	u.closing = true
	u.emit(EventClosing, nil)
	for s := range u.subs {
		s.finish()
	}
	for ch := range u.waiters {
		close(ch)
		delete(u.waiters, ch)
	}
	if u.dlCancel != nil {
		u.dlCancel(ErrClosing)
	}
	u.mu.Unlock()

	return u.shutdown()
}

func (u *Upgrader) shutdown() (err error) {
	u.cancel()
	if u.server != nil {
		u.server.Close()
	}
	if u.repl != nil {
		u.repl.Close()
	}
	if u.swarm != nil {
		u.swarm.Close()
	}
	u.wg.Wait()
	if u.releaser != nil {
		err = u.releaser.Close()
	}
	return
}

// Command pu publishes application releases and seeds them to peers.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/pitupdate/internal/logging"
	"github.com/t7a/pitupdate/releaser"
	"github.com/t7a/pitupdate/rpc"
	"github.com/t7a/pitupdate/swarm"
)

const usage = `pu

Usage:
  pu keys <storage>
  pu release [-f] <storage> <version> <path>
  pu latest [--key=<key>] [--peer=<url>...] <storage>
  pu log <storage>
  pu serve [--key=<key>] [--listen=<addr>] [--peer=<url>...] <storage>
  pu status [--name=<name>] [--app=<path>] [--watch] [--timeout=<duration>]

Options:
  -h --help             Show this screen.
  -f                    Publish even if the version is already in the ledger.
  --key=<key>           Hex ledger key; omit on the publishing side.
  --peer=<url>          Peer base URL, e.g. http://host:7777.
  --listen=<addr>       Address to seed on [default: :7777].
  --name=<name>         Control socket name.
  --app=<path>          Installed application directory, if no name is given.
  --watch               Keep printing status changes.
  --timeout=<duration>  How long to wait for the application [default: 5s].
`

type Opts struct {
	Keys    bool
	Release bool
	Latest  bool
	Log     bool
	Serve   bool
	Status  bool
	Force   bool `docopt:"-f"`
	Storage string
	Version string `docopt:"<version>"`
	Path    string
	Key     string
	Peer    []string
	Listen  string
	Name    string
	App     string
	Watch   bool
	Timeout string
}

func init() {
	logging.Setup()
}

func main() {
	rc, msg := Run(os.Args[1:], os.Stdout)
	if len(msg) > 0 {
		fmt.Fprintln(os.Stderr, msg)
	}
	os.Exit(rc)
}

func Run(args []string, out io.Writer) (rc int, msg string) {
	defer Halt(&rc, &msg)

	parser := &docopt.Parser{OptionsFirst: false}
	o, err := parser.ParseArgs(usage, args, "")
	Ck(err)
	var opts Opts
	err = o.Bind(&opts)
	Ck(err)
	log.Debug(opts)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch true {
	case opts.Keys:
		err = keys(out, opts.Storage)
	case opts.Release:
		err = release(ctx, out, opts.Storage, opts.Version, opts.Path, opts.Force)
	case opts.Latest:
		err = latest(ctx, out, opts.Storage, opts.Key, opts.Peer)
	case opts.Log:
		err = history(ctx, out, opts.Storage)
	case opts.Serve:
		err = serve(ctx, out, opts.Storage, opts.Key, opts.Listen, opts.Peer)
	case opts.Status:
		err = status(ctx, out, opts.Name, opts.App, opts.Timeout, opts.Watch)
	}
	Ck(err)
	return
}

func open(storage, hexkey string) (r *releaser.Releaser, err error) {
	var key []byte
	if hexkey != "" {
		key, err = hex.DecodeString(hexkey)
		if err != nil {
			return nil, fmt.Errorf("key: %w", err)
		}
	}
	return releaser.New(storage, key)
}

func keys(out io.Writer, storage string) (err error) {
	defer Return(&err)
	r, err := open(storage, "")
	Ck(err)
	defer r.Close()
	fmt.Fprintf(out, "key %x\n", r.Key())
	fmt.Fprintf(out, "discovery %x\n", r.DiscoveryKey())
	return
}

// releases returns every release in the ledger, oldest first.
func releases(ctx context.Context, r *releaser.Releaser) (rels []*releaser.Release, err error) {
	for seq := uint64(1); seq < r.Len(); seq++ {
		rel, err := r.GetReleaseInfo(ctx, seq)
		if err != nil {
			return nil, fmt.Errorf("release %d: %w", seq, err)
		}
		rels = append(rels, rel)
	}
	return
}

func release(ctx context.Context, out io.Writer, storage, version, path string, force bool) (err error) {
	defer Return(&err)
	r, err := open(storage, "")
	Ck(err)
	defer r.Close()

	if !force {
		rels, err := releases(ctx, r)
		Ck(err)
		for _, rel := range rels {
			if rel.Version == version {
				fmt.Fprintf(out, "%s is already published\n", version)
				return nil
			}
		}
	}

	rel, seq, err := r.AddRelease(ctx, path, releaser.Release{Version: version})
	Ck(err)
	fmt.Fprintf(out, "published %s at %d: %s, %s new\n", rel.Version, seq,
		humanize.Bytes(rel.ByteLength), humanize.Bytes(rel.DiffLength))
	return
}

func latest(ctx context.Context, out io.Writer, storage, key string, peers []string) (err error) {
	defer Return(&err)
	r, err := open(storage, key)
	Ck(err)
	defer r.Close()

	if len(peers) > 0 {
		sw, err := swarm.New(swarm.Config{Peers: peers}, nil)
		Ck(err)
		defer sw.Close()
		rp, err := r.Replicate(ctx, sw)
		Ck(err)
		defer rp.Close()
	}

	rel, err := r.GetLatestReleaseInfo(ctx)
	Ck(err)
	if rel == nil {
		fmt.Fprintln(out, "no releases")
		return
	}
	fmt.Fprintln(out, rel.Version)
	return
}

func history(ctx context.Context, out io.Writer, storage string) (err error) {
	defer Return(&err)
	r, err := open(storage, "")
	Ck(err)
	defer r.Close()
	rels, err := releases(ctx, r)
	Ck(err)
	for i, rel := range rels {
		fmt.Fprintf(out, "%d\t%s\t%s\t%s new\t%d chunks\n", i+1, rel.Version,
			humanize.Bytes(rel.ByteLength), humanize.Bytes(rel.DiffLength), len(rel.Chunks))
	}
	return
}

func serve(ctx context.Context, out io.Writer, storage, key, listen string, peers []string) (err error) {
	defer Return(&err)
	r, err := open(storage, key)
	Ck(err)
	defer r.Close()

	reg := prometheus.NewRegistry()
	sw, err := swarm.New(swarm.Config{Peers: peers, Listen: listen}, reg)
	Ck(err)
	defer sw.Close()
	sw.Server().Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	rp, err := r.Replicate(ctx, sw)
	Ck(err)
	defer rp.Close()

	fmt.Fprintf(out, "seeding %x on %s\n", r.Key(), sw.Addr())
	<-ctx.Done()
	return
}

func status(ctx context.Context, out io.Writer, name, app, timeout string, watch bool) (err error) {
	defer Return(&err)
	Assert(name != "" || app != "", "need --name or --app")
	d, err := time.ParseDuration(timeout)
	Ck(err)

	dctx, cancel := context.WithTimeout(ctx, d)
	c, err := rpc.Dial(dctx, rpc.SocketPath(name, app))
	cancel()
	Ck(err)
	defer c.Close()

	enc := json.NewEncoder(out)
	err = enc.Encode(c.Status())
	Ck(err)
	if !watch {
		return
	}
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				return
			}
			log.Debugf("event %s", ev)
			err = enc.Encode(c.Status())
			Ck(err)
		case <-c.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

// Command pitupdate-helper swaps a downloaded release into place once
// the application that started it has exited, then relaunches the
// application.  It is started detached, so it logs to helper.log next
// to the lock file.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/docopt/docopt-go"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/pitupdate/internal/logging"
	"github.com/t7a/pitupdate/swap"
)

const usage = `pitupdate-helper

Usage:
  pitupdate-helper [--timeout=<duration>] <lock> <unpacked> <installed> <exec> [<arg>...]
  pitupdate-helper -h | --help

Options:
  -h --help               Show this screen.
  --timeout=<duration>    Give up waiting for the application to exit [default: 10m].
`

type Opts struct {
	Timeout   string
	Lock      string
	Unpacked  string
	Installed string
	Exec      string
	Arg       []string
}

func init() {
	logging.Setup()
}

func main() {
	rc, msg := Run(os.Args[1:])
	if len(msg) > 0 {
		fmt.Fprintln(os.Stderr, msg)
		log.Error(msg)
	}
	os.Exit(rc)
}

func Run(args []string) (rc int, msg string) {
	defer Halt(&rc, &msg)

	parser := &docopt.Parser{OptionsFirst: true}
	o, err := parser.ParseArgs(usage, args, "")
	Ck(err)
	var opts Opts
	err = o.Bind(&opts)
	Ck(err)

	timeout, err := time.ParseDuration(opts.Timeout)
	Ck(err)

	p, err := swap.Parse(append([]string{opts.Lock, opts.Unpacked, opts.Installed, opts.Exec}, opts.Arg...))
	Ck(err)

	fh, err := os.OpenFile(filepath.Join(filepath.Dir(p.Lock), "helper.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err == nil {
		defer fh.Close()
		log.SetOutput(fh)
	}
	log.Infof("swapping %s into %s", p.Unpacked, p.Installed)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err = swap.Run(ctx, p, swap.ExecLauncher{}, nil)
	Ck(err)
	return
}

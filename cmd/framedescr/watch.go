package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kolkov/framedescr/internal/frames/registry"
	"github.com/kolkov/framedescr/internal/frames/stw"
	"github.com/kolkov/framedescr/internal/frames/watch"
)

func runWatch(args []string, out, errOut io.Writer) error {
	flagSet := flag.NewFlagSet("watch", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	ext := flagSet.String("ext", watch.DefaultExt, "Extension of the batch files to load")
	debounce := flagSet.Duration("debounce", watch.DefaultDebounce, "Wait for file events to settle before reloading")
	duration := flagSet.Duration("duration", 0, "Stop after this long (0 runs until interrupted)")
	maxSlots := flagSet.Int("max-slots", 0, "Index slot limit (0 for none)")
	verbose := flagSet.BoolP("verbose", "v", false, "Log registry and file events")

	if err := flagSet.Parse(args); err != nil {
		return errUsage
	}
	if flagSet.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: framedescr watch [flags] dir")
		return errUsage
	}
	dir := flagSet.Arg(0)

	logger := newLogger(errOut, *verbose)
	r, err := registry.New(registry.Options{MaxSlots: *maxSlots, Logger: logger})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	l := watch.New(dir, r, watch.Options{
		Ext:      *ext,
		Debounce: *debounce,
		Group:    stw.NewGroup(),
		Logger:   logger,
	})

	start := time.Now()
	runErr := l.Run(ctx)

	fmt.Fprintf(out, "watched %s for %s, %d files loaded\n",
		dir, time.Since(start).Round(time.Millisecond), len(l.Loaded()))
	printStats(out, r.Stats())

	if err := l.Close(); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	return r.Check()
}

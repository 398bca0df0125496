package main

import (
	"fmt"
	"io"

	flag "github.com/spf13/pflag"

	"github.com/kolkov/framedescr/internal/frames/registry"
)

func runInspect(args []string, out, errOut io.Writer) error {
	flagSet := flag.NewFlagSet("inspect", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	verbose := flagSet.BoolP("verbose", "v", false, "Log registry events")
	maxSlots := flagSet.Int("max-slots", 0, "Index slot limit (0 for none)")

	if err := flagSet.Parse(args); err != nil {
		return errUsage
	}
	if flagSet.NArg() == 0 {
		fmt.Fprintln(errOut, "usage: framedescr inspect [flags] file...")
		return errUsage
	}

	files, err := openFiles(flagSet.Args())
	if err != nil {
		return err
	}
	defer func() { _ = closeFiles(files) }()

	for _, f := range files {
		h := f.Header()
		fmt.Fprintf(out, "%s: format %s, %d descriptors, %d bytes\n",
			f.Path(), h.Version, f.Batch().Len(), h.PayloadLen)
	}

	r, err := registry.New(registry.Options{
		MaxSlots: *maxSlots,
		Logger:   newLogger(errOut, *verbose),
	}, batchesOf(files)...)
	if err != nil {
		return err
	}

	printStats(out, r.Stats())

	if err := r.Check(); err != nil {
		return err
	}
	fmt.Fprintln(out, "invariants: ok")

	return r.Deregister(batchesOf(files)...)
}

func printStats(out io.Writer, s registry.Stats) {
	fmt.Fprintf(out, "index: capacity %d, descriptors %d, batches %d, load %.2f\n",
		s.Capacity, s.Count, s.Batches, s.Index.LoadFactor())
	fmt.Fprintf(out, "probes: max %d, avg %.2f, tombstones %d\n",
		s.Index.MaxProbe, s.Index.AvgProbe, s.Index.Tombstones)
	fmt.Fprintf(out, "ops: rebuilds %d, fast adds %d, removals %d, retries %d\n",
		s.Rebuilds, s.FastAdds, s.Removals, s.Retries)
}

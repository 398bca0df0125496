package main

import (
	"fmt"
	"io"

	flag "github.com/spf13/pflag"

	"github.com/kolkov/framedescr/internal/frames/registry"
)

func runLookup(args []string, out, errOut io.Writer) error {
	flagSet := flag.NewFlagSet("lookup", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	pcs := flagSet.StringSlice("pc", nil, "Return address to look up (repeatable)")

	if err := flagSet.Parse(args); err != nil {
		return errUsage
	}
	if flagSet.NArg() == 0 || len(*pcs) == 0 {
		fmt.Fprintln(errOut, "usage: framedescr lookup file... --pc ADDR [--pc ADDR]")
		return errUsage
	}

	addrs := make([]uintptr, len(*pcs))
	for i, s := range *pcs {
		a, err := parseAddr(s)
		if err != nil {
			return fmt.Errorf("--pc: %w", err)
		}
		addrs[i] = a
	}

	files, err := openFiles(flagSet.Args())
	if err != nil {
		return err
	}
	defer func() { _ = closeFiles(files) }()

	r, err := registry.New(registry.Options{}, batchesOf(files)...)
	if err != nil {
		return err
	}

	for _, pc := range addrs {
		fmt.Fprintln(out, formatDescr(pc, r.Find(pc)))
	}

	return r.Deregister(batchesOf(files)...)
}

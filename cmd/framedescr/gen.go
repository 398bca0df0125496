package main

import (
	"fmt"
	"io"
	"strconv"

	flag "github.com/spf13/pflag"

	"github.com/kolkov/framedescr/internal/frames/batchfile"
	"github.com/kolkov/framedescr/internal/frames/descr"
)

// genOptions describes a synthetic batch.
type genOptions struct {
	count  int
	base   uintptr
	stride uintptr
	live   int
	allocs bool
	debug  bool
	cEvery int // Every cEvery-th record is a return-to-C boundary; 0 for none.
}

func runGen(args []string, out, errOut io.Writer) error {
	flagSet := flag.NewFlagSet("gen", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	output := flagSet.StringP("output", "o", "", "Batch file to write (required)")
	count := flagSet.IntP("count", "n", 64, "Number of descriptors")
	base := flagSet.String("base", "0x400000", "First return address")
	stride := flagSet.Uint("stride", 16, "Distance between return addresses")
	live := flagSet.Int("live", 2, "Live offsets per descriptor")
	allocs := flagSet.Bool("allocs", false, "Add allocation length tables")
	debug := flagSet.Bool("debug", false, "Add debug info")
	cEvery := flagSet.Int("c-every", 0, "Make every Nth descriptor a return-to-C boundary")

	if err := flagSet.Parse(args); err != nil {
		return errUsage
	}
	if *output == "" {
		fmt.Fprintln(errOut, "gen: --output is required")
		flagSet.PrintDefaults()
		return errUsage
	}

	baseAddr, err := parseAddr(*base)
	if err != nil {
		return fmt.Errorf("--base: %w", err)
	}

	opts := genOptions{
		count:  *count,
		base:   baseAddr,
		stride: uintptr(*stride),
		live:   *live,
		allocs: *allocs,
		debug:  *debug,
		cEvery: *cEvery,
	}
	payload, err := genBatch(opts)
	if err != nil {
		return err
	}

	if err := batchfile.Write(*output, payload); err != nil {
		return err
	}

	fmt.Fprintf(out, "%s: %d descriptors, %d bytes, return addresses %#x..%#x\n",
		*output, opts.count, len(payload), opts.base, opts.base+uintptr(max(opts.count-1, 0))*opts.stride)
	return nil
}

// genBatch lays out the synthetic batch described by opts.
func genBatch(opts genOptions) ([]byte, error) {
	switch {
	case opts.count < 0:
		return nil, fmt.Errorf("descriptor count %d is negative", opts.count)
	case opts.stride == 0:
		return nil, fmt.Errorf("stride must be positive")
	case opts.live < 0 || opts.live > 0xFFFF:
		return nil, fmt.Errorf("live offset count %d out of range", opts.live)
	}

	var b descr.Builder
	for i := range opts.count {
		if err := b.Add(genRecord(opts, i)); err != nil {
			return nil, fmt.Errorf("descriptor %d: %w", i, err)
		}
	}
	return b.Bytes(), nil
}

func genRecord(opts genOptions, i int) descr.Record {
	r := descr.Record{RetAddr: opts.base + uintptr(i)*opts.stride}
	if opts.cEvery > 0 && i%opts.cEvery == opts.cEvery-1 {
		r.ReturnToC = true
		return r
	}

	r.FrameSize = uint16(16 + (i%8)*16)
	r.LiveOffsets = make([]uint16, opts.live)
	for j := range r.LiveOffsets {
		r.LiveOffsets[j] = uint16(j * 8)
	}
	if opts.allocs {
		r.AllocLengths = []uint8{uint8(1 + i%4), uint8(2 + i%3)}
	}
	if opts.debug {
		n := 1
		if r.AllocLengths != nil {
			n = len(r.AllocLengths)
		}
		r.DebugInfo = make([]uint32, n)
		for j := range r.DebugInfo {
			r.DebugInfo[j] = uint32(i<<8 | j)
		}
	}
	return r
}

// parseAddr parses a return address in Go literal syntax (0x401000, 4198400).
func parseAddr(s string) (uintptr, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return uintptr(v), nil
}

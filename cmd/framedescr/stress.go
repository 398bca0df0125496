package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/kolkov/framedescr/internal/frames/batchfile"
	"github.com/kolkov/framedescr/internal/frames/metrics"
	"github.com/kolkov/framedescr/internal/frames/registry"
	"github.com/kolkov/framedescr/internal/frames/stw"
)

// Address ranges used by the stress run. Churn batches overlap each other
// so the same address is registered, removed and registered again.
const (
	stableBase = 0x100000
	churnBase  = 0x800000
	churnSpan  = 512
	strideAddr = 16
	missAddr   = 0x7
)

func runStress(args []string, out, errOut io.Writer) error {
	flagSet := flag.NewFlagSet("stress", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	def := defaultStressConfig()
	configPath := flagSet.String("config", "", "JSONC config file")
	readers := flagSet.Int("readers", def.Readers, "Lookup goroutines")
	cycles := flagSet.Int("cycles", def.Cycles, "Load/unload cycles")
	records := flagSet.Int("records", def.Records, "Descriptors in the stable batch")
	dir := flagSet.String("dir", "", "Directory for batch files (temp dir if empty)")
	metricsAddr := flagSet.String("metrics-addr", "", "Serve Prometheus metrics on this address while running")
	printMetrics := flagSet.Bool("metrics", false, "Print final metrics in Prometheus text format")
	verbose := flagSet.BoolP("verbose", "v", false, "Log registry events")

	if err := flagSet.Parse(args); err != nil {
		return errUsage
	}

	cfg := def
	if *configPath != "" {
		var err error
		if cfg, err = loadStressConfig(*configPath); err != nil {
			return err
		}
	}
	if flagSet.Changed("readers") {
		cfg.Readers = *readers
	}
	if flagSet.Changed("cycles") {
		cfg.Cycles = *cycles
	}
	if flagSet.Changed("records") {
		cfg.Records = *records
	}
	if flagSet.Changed("dir") {
		cfg.Dir = *dir
	}
	if flagSet.Changed("metrics-addr") {
		cfg.MetricsAddr = *metricsAddr
	}
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("%w: %w", errConfigInvalid, err)
	}

	s := &stress{cfg: cfg, log: newLogger(errOut, *verbose)}
	if err := s.run(context.Background()); err != nil {
		return err
	}

	fmt.Fprintf(out, "stress: %d readers, %d cycles, %d lookups in %s\n",
		cfg.Readers, cfg.Cycles, s.lookups.Load(), s.elapsed.Round(time.Millisecond))
	printStats(out, s.final)
	fmt.Fprintf(out, "rendezvous: %d completed\n", s.group.Phase())
	fmt.Fprintln(out, "result: ok")

	if *printMetrics {
		return writeMetrics(out, s.families)
	}
	return nil
}

// stress is one stress run: reader goroutines joined to the rendezvous
// group look up addresses while the calling goroutine loads and unloads
// batch files.
type stress struct {
	cfg stressConfig
	log logr.Logger

	dir     string
	group   *stw.Group
	reg     *registry.Registry
	promReg *prometheus.Registry

	lookups atomic.Int64
	elapsed time.Duration

	// Captured before the stable batch is unloaded.
	final    registry.Stats
	families []*dto.MetricFamily
}

func (s *stress) run(ctx context.Context) error {
	dir := s.cfg.Dir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "framedescr-stress-")
		if err != nil {
			return err
		}
		defer func() { _ = os.RemoveAll(tmp) }()
		dir = tmp
	}
	s.dir = dir

	stable, err := s.writeBatch("stable.fdb", genOptions{
		count: s.cfg.Records, base: stableBase, stride: strideAddr, live: 2, allocs: true,
	})
	if err != nil {
		return err
	}
	defer func() { _ = stable.Close() }()

	s.group = stw.NewGroup()
	s.reg, err = registry.New(registry.Options{
		Rendezvous: s.group,
		MaxSlots:   s.cfg.MaxSlots,
		Logger:     s.log,
	}, stable.Batch())
	if err != nil {
		return err
	}
	defer func() { _ = s.reg.Deregister(stable.Batch()) }()

	s.promReg = prometheus.NewRegistry()
	s.promReg.MustRegister(metrics.NewCollector(s.reg))
	if s.cfg.MetricsAddr != "" {
		stop, err := s.serveMetrics(s.cfg.MetricsAddr)
		if err != nil {
			return err
		}
		defer stop()
	}

	start := time.Now()
	defer func() { s.elapsed = time.Since(start) }()

	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(readCtx)

	stableRecs := make(map[uintptr]int, stable.Batch().Len())
	for d := range stable.Batch().Records() {
		stableRecs[d.RetAddr] = d.Size()
	}

	for i := range s.cfg.Readers {
		// Join before the goroutine starts so the first rendezvous counts it.
		p := s.group.Join()
		g.Go(func() error {
			defer p.Leave()
			return s.read(gctx, p, i, stableRecs)
		})
	}

	writeErr := s.write(gctx)
	cancel()
	readErr := g.Wait()

	if err := errors.Join(writeErr, readErr); err != nil {
		return err
	}
	if err := s.reg.Check(); err != nil {
		return err
	}

	s.final = s.reg.Stats()
	s.families, err = s.promReg.Gather()
	return err
}

// read is a reader goroutine: lookups in a tight loop with a safepoint
// every SafepointEvery lookups.
func (s *stress) read(ctx context.Context, p *stw.Participant, id int, stable map[uintptr]int) error {
	n := 0
	for ctx.Err() == nil {
		i := n + id*7

		pc := uintptr(stableBase + (i%s.cfg.Records)*strideAddr)
		if d := s.reg.Find(pc); d == nil || d.RetAddr != pc || d.Size() != stable[pc] {
			return fmt.Errorf("reader %d: stable address %#x: got %v", id, pc, d)
		}

		pc = uintptr(churnBase + (i%churnSpan)*strideAddr)
		if d := s.reg.Find(pc); d != nil && d.RetAddr != pc {
			return fmt.Errorf("reader %d: churn address %#x: got descriptor for %#x", id, pc, d.RetAddr)
		}

		if d := s.reg.Find(missAddr); d != nil {
			return fmt.Errorf("reader %d: unregistered address %#x found", id, missAddr)
		}

		s.lookups.Add(3)
		n++
		if n%s.cfg.SafepointEvery == 0 {
			p.Safepoint()
		}
	}
	return nil
}

// write cycles batch files through load, register, deregister and unload.
// At most Live churn batches are registered at a time.
func (s *stress) write(ctx context.Context) error {
	var live []*batchfile.File
	defer func() {
		if len(live) > 0 {
			_ = s.unload(live...)
		}
	}()

	for c := range s.cfg.Cycles {
		if ctx.Err() != nil {
			return nil
		}

		n := 1 + (c*37)%s.cfg.MaxChurn
		start := (c * 53) % (churnSpan - min(n, churnSpan-1))
		f, err := s.writeBatch(fmt.Sprintf("churn-%d.fdb", c), genOptions{
			count:  n,
			base:   uintptr(churnBase + start*strideAddr),
			stride: strideAddr,
			live:   1 + c%4,
			cEvery: 7,
		})
		if err != nil {
			return err
		}

		if err := s.reg.Register(f.Batch()); err != nil {
			_ = f.Close()
			return fmt.Errorf("cycle %d: %w", c, err)
		}
		live = append(live, f)

		if len(live) > s.cfg.Live {
			if err := s.unload(live[0]); err != nil {
				return fmt.Errorf("cycle %d: %w", c, err)
			}
			live = live[1:]
		}
	}

	err := s.unload(live...)
	live = nil
	return err
}

// unload deregisters files and unmaps them.
//
// Deregister only waits for lookups in flight; a reader may still hold a
// descriptor it found earlier until its next safepoint. Unmapping inside a
// rendezvous makes sure none does.
func (s *stress) unload(files ...*batchfile.File) error {
	batches := batchesOf(files)
	if err := s.reg.Deregister(batches...); err != nil {
		return err
	}

	var err error
	for !s.group.TryRunOnAll(func() {
		err = closeFiles(files)
		for _, f := range files {
			_ = os.Remove(f.Path())
		}
	}) {
	}
	return err
}

// writeBatch generates a batch, writes it to name in the stress directory
// and maps it back.
func (s *stress) writeBatch(name string, opts genOptions) (*batchfile.File, error) {
	payload, err := genBatch(opts)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(s.dir, name)
	if err := batchfile.Write(path, payload); err != nil {
		return nil, err
	}
	return batchfile.Open(path)
}

// serveMetrics serves the stress registry's metrics until stop is called.
func (s *stress) serveMetrics(addr string) (stop func(), err error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error(err, "metrics server failed")
		}
	}()
	s.log.Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func writeMetrics(out io.Writer, families []*dto.MetricFamily) error {
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(out, mf); err != nil {
			return err
		}
	}
	return nil
}

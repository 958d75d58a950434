package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	cbdr "github.com/ehrlich-b/go-cbdr"
	"github.com/ehrlich-b/go-cbdr/internal/logging"
	"github.com/ehrlich-b/go-cbdr/sim"
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML ring config (defaults apply when empty)")
		depth      = flag.Int("depth", cbdr.DefaultRingDepth, "Ring depth in descriptors")
		timeout    = flag.Int("timeout", cbdr.DefaultTimeout, "Consumer index polls before a command times out")
		pollUs     = flag.Int("poll", int(cbdr.DefaultPollInterval/time.Microsecond), "Delay between polls in microseconds")
		modeStr    = flag.String("mode", "sync", "Simulated device mode: sync, delayed or stalled")
		delay      = flag.Duration("delay", 100*time.Microsecond, "Processing delay in delayed mode")
		bar        = flag.String("bar", "", "PCI BAR resource file of a real device (needs root)")
		stress     = flag.Int("stress", 0, "Commands per worker for the stress run (0 = skip)")
		workers    = flag.Int("workers", runtime.NumCPU(), "Concurrent callers for the stress run")
		metricsAt  = flag.String("metrics", "", "Serve Prometheus metrics on this address and wait for a signal")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)
	defer logger.Close()

	cfg := cbdr.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = cbdr.LoadConfig(*configPath); err != nil {
			fail(logger, "invalid config", err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		fail(logger, "invalid environment", err)
	}
	// Explicit flags win over the file and the environment.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "depth":
			cfg.Depth = *depth
		case "timeout":
			cfg.Timeout = *timeout
		case "poll":
			cfg.PollInterval = time.Duration(*pollUs) * time.Microsecond
		}
	})

	dev, nic, cleanup, err := open(cfg, *bar, *modeStr, *delay, logger)
	if err != nil {
		fail(logger, "failed to open command ring", err)
	}
	defer cleanup()

	logger.Info("command ring ready",
		"depth", cfg.Depth,
		"timeout", cfg.Timeout,
		"poll_interval", cfg.PollInterval.String(),
		"simulated", nic != nil)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := roundTrip(ctx, dev); err != nil {
		cleanup()
		fail(logger, "indirection table round trip failed", err)
	}

	if *stress > 0 {
		if err := runStress(ctx, dev, *workers, *stress); err != nil {
			logger.Error("stress run failed", "error", err)
		}
		printSnapshot(dev)
	}

	if *metricsAt != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(cbdr.NewCollector("", dev))
		srv := &http.Server{Addr: *metricsAt, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		fmt.Printf("Serving metrics on http://%s/\nPress Ctrl+C to stop...\n", *metricsAt)

		<-ctx.Done()
		logger.Info("received shutdown signal")

		shutdownCtx, done := context.WithTimeout(context.Background(), time.Second)
		defer done()
		srv.Shutdown(shutdownCtx)
	}
}

var exit = os.Exit

// fail logs err and exits. Deferred calls do not run on exit, so the async
// logger is flushed here.
func fail(logger *logging.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	logger.Close()
	exit(1)
}

// open brings up a ring on the simulator, or on real hardware when bar is set.
func open(cfg cbdr.Config, bar, modeStr string, delay time.Duration, logger *logging.Logger) (*cbdr.Device, *sim.Device, func(), error) {
	if bar != "" {
		regs, err := cbdr.MapRegisters(bar)
		if err != nil {
			return nil, nil, nil, err
		}
		alloc, err := cbdr.NewPinnedAllocator()
		if err != nil {
			regs.Close()
			return nil, nil, nil, err
		}
		dev, err := cbdr.Open(regs, alloc, cfg, &cbdr.Options{Logger: logger})
		if err != nil {
			alloc.Close()
			regs.Close()
			return nil, nil, nil, err
		}
		return dev, nil, func() {
			dev.Close()
			alloc.Close()
			regs.Close()
		}, nil
	}

	mode, err := sim.ParseMode(modeStr)
	if err != nil {
		return nil, nil, nil, err
	}
	s, err := cbdr.NewSimulated(cfg, &cbdr.SimOptions{
		Mode:    mode,
		Delay:   delay,
		Options: &cbdr.Options{Logger: logger},
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return s.Device, s.NIC, func() { s.Close() }, nil
}

// roundTrip writes a random indirection table and reads it back.
func roundTrip(ctx context.Context, dev *cbdr.Device) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	want := make([]uint8, cbdr.IndirectionTableSize)
	for i := range want {
		want[i] = uint8(rng.Intn(16))
	}

	start := time.Now()
	if err := dev.UpdateIndirectionTable(ctx, want); err != nil {
		return err
	}
	got := make([]uint8, cbdr.IndirectionTableSize)
	if err := dev.QueryIndirectionTable(ctx, got); err != nil {
		return err
	}
	if !bytes.Equal(want, got) {
		return fmt.Errorf("indirection table mismatch: wrote %v, read %v", want, got)
	}

	fmt.Printf("Indirection table round trip OK in %v\n", time.Since(start))
	fmt.Printf("Table: %v\n", got)
	return nil
}

// runStress issues update/query pairs from concurrent callers.
func runStress(ctx context.Context, dev *cbdr.Device, workers, perWorker int) error {
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			table := make([]uint8, cbdr.IndirectionTableSize)
			for i := 0; i < perWorker; i++ {
				for j := range table {
					table[j] = uint8((w + i + j) % 16)
				}
				var err error
				if i%2 == 0 {
					err = dev.UpdateIndirectionTable(ctx, table)
				} else {
					err = dev.QueryIndirectionTable(ctx, table)
				}
				if err != nil {
					return fmt.Errorf("worker %d command %d: %w", w, i, err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func printSnapshot(dev *cbdr.Device) {
	s := dev.MetricsSnapshot()
	fmt.Printf("\nCommands: %d (query %d, update %d)\n", s.TotalOps, s.QueryOps, s.UpdateOps)
	fmt.Printf("Outcomes: ok %d, timeout %d, rejected %d, ring full %d\n", s.Completed, s.Timeouts, s.Rejected, s.RingFull)
	fmt.Printf("Latency: avg %v, p50 %v, p99 %v\n",
		time.Duration(s.AvgLatencyNs), time.Duration(s.LatencyP50Ns), time.Duration(s.LatencyP99Ns))
	fmt.Printf("Throughput: %.0f commands/s, error rate %.2f%%\n", s.CommandsPerSec, s.ErrorRate)

	st := dev.Stats()
	fmt.Printf("Ring: ntu=%d ntc=%d free=%d pi=%d ci=%d status=0x%08x\n",
		st.NextToUse, st.NextToClean, st.Free, st.HWProducer, st.HWConsumer, st.Status)
}

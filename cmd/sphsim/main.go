// Command sphsim runs the SPH fluid simulation headless and prints a
// summary. With -out it writes every n-th rendered frame as a PNG.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gogpu/sph"
	"github.com/gogpu/sph/internal/metrics"
	"github.com/gogpu/sph/render"
)

func main() {
	var (
		config   = flag.String("config", "", "gcfg configuration file")
		backend  = flag.String("backend", sph.BackendAuto, "compute backend: "+strings.Join(sph.Backends(), ", "))
		frames   = flag.Uint64("frames", 1000, "compute frames to run (0 runs until interrupted)")
		out      = flag.String("out", "", "directory for rendered frames")
		every    = flag.Uint64("every", 50, "write every n-th frame to -out")
		width    = flag.Int("width", 0, "render width (overrides config)")
		height   = flag.Int("height", 0, "render height (overrides config)")
		interval = flag.Duration("interval", 0, "render pacing, for example 16ms")
		addr     = flag.String("metrics", "", "serve Prometheus metrics on this address")
		verbose  = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	sph.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := sph.DefaultConfig()
	if *config != "" {
		var err error
		if cfg, err = sph.LoadConfig(*config); err != nil {
			log.Fatalf("config: %v", err)
		}
	}
	if *width > 0 {
		cfg.Width = *width
	}
	if *height > 0 {
		cfg.Height = *height
	}

	opts := []sph.Option{
		sph.WithBackend(*backend),
		sph.WithMaxFrames(*frames),
		sph.WithPresentInterval(*interval),
	}
	if *out != "" {
		p, err := render.NewPNGPresenter(*out, *every)
		if err != nil {
			log.Fatalf("output: %v", err)
		}
		opts = append(opts, sph.WithPresenter(p))
	}
	if *addr != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, sph.WithMetrics(reg))
		srv := metrics.NewServer(*addr, reg)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("metrics: %v", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	sim, err := sph.New(cfg, opts...)
	if err != nil {
		log.Fatalf("setup: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	if err := sim.Start(ctx); err != nil {
		log.Fatalf("start: %v", err)
	}
	runErr := sim.Join()
	printSummary(sim.Stats(), time.Since(start))
	if runErr != nil {
		log.Printf("run failed: %v", runErr)
		os.Exit(1) //nolint:gocritic // deferred shutdown is best effort
	}
}

func printSummary(st sph.Stats, wall time.Duration) {
	p := message.NewPrinter(language.English)
	p.Printf("backend           %s\n", st.Backend)
	p.Printf("particles         %d\n", st.Particles)
	p.Printf("frames computed   %d (generation %d)\n", st.FramesComputed, st.ComputeGeneration)
	p.Printf("frames rendered   %d (generation %d)\n", st.FramesRendered, st.RenderGeneration)
	p.Printf("simulated time    %.3f s\n", st.SimTime)
	p.Printf("wall time         %v\n", wall.Round(time.Millisecond))
	if s := wall.Seconds(); s > 0 {
		p.Printf("compute rate      %.1f frames/s\n", float64(st.FramesComputed)/s)
	}
	p.Printf("barriers          %d\n", st.Barriers)
	p.Printf("waits             %d skipped, %d stalled\n", st.WaitsSkipped, st.WaitsStalled)
}

// loco-tag: Runs the Loco Positioning tag driver against a DW1000 behind
// a USB-SPI bridge.
//
// The driver starts in automatic mode discovery by default: it cycles
// through the ranging algorithms until one reports healthy ranging and
// locks it in. A specific algorithm can be forced with -mode.
//
// Examples:
//
//	# Automatic algorithm discovery
//	./loco-tag
//
//	# Force TDoA3 and report anchor positions every 2 seconds
//	./loco-tag -mode tdoa3 -interval 2s
//
//	# Serve Prometheus metrics while running
//	./loco-tag -metrics :9090
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/gousb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/herlein/goloco/pkg/dw1000"
	"github.com/herlein/goloco/pkg/dw1000/usbbridge"
	"github.com/herlein/goloco/pkg/lps"
	"github.com/herlein/goloco/pkg/lps/ranging"
)

func parseMode(s string) (lps.Mode, error) {
	switch strings.ToLower(s) {
	case "auto":
		return lps.ModeAuto, nil
	case "twr":
		return lps.ModeTWR, nil
	case "tdoa2":
		return lps.ModeTDoA2, nil
	case "tdoa3":
		return lps.ModeTDoA3, nil
	}
	return 0, fmt.Errorf("unknown mode %q (want auto, twr, tdoa2 or tdoa3)", s)
}

func main() {
	deviceSel := flag.String("d", "", "Bridge serial number (default: first found)")
	modeStr := flag.String("mode", "auto", "Ranging mode: auto, twr, tdoa2 or tdoa3")
	interval := flag.Duration("interval", 5*time.Second, "Anchor position report interval")
	metricsAddr := flag.String("metrics", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	verbose := flag.Bool("v", false, "Verbose output")
	flag.Parse()

	mode, err := parseMode(*modeStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	usbCtx := gousb.NewContext()
	defer usbCtx.Close()

	bridge, err := usbbridge.Open(usbCtx, *deviceSel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open bridge: %v\n", err)
		os.Exit(1)
	}
	defer bridge.Close()
	log.Info().Str("bridge", bridge.String()).Msg("bridge opened")

	dev := dw1000.New(bridge)
	driver, err := lps.New(dev, ranging.Algorithms, &lps.Options{Logger: &log})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	driver.SetMode(mode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := driver.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to start driver: %v\n", err)
		os.Exit(1)
	}
	defer driver.Stop()

	go func() {
		if err := bridge.WatchIRQ(ctx, driver.NotifyInterrupt); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("IRQ watcher stopped")
		}
	}()

	if *metricsAddr != "" {
		registry := prometheus.NewRegistry()
		if err := driver.RegisterMetrics(registry); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to register metrics: %v\n", err)
			os.Exit(1)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		defer server.Close()
		log.Info().Str("addr", *metricsAddr).Msg("serving metrics")
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nShutting down...")
			return
		case <-ticker.C:
			reportAnchors(driver)
		}
	}
}

func reportAnchors(driver *lps.Driver) {
	fmt.Printf("mode=%s detected=%v ranging=0x%04X\n",
		driver.CurrentMode(), driver.Detected(), driver.RangingState())
	for id := uint8(0); id < ranging.MaxAnchors; id++ {
		if p, ok := driver.GetAnchorPosition(id); ok {
			fmt.Printf("  anchor %d: (%.2f, %.2f, %.2f)\n", id, p.X, p.Y, p.Z)
		}
	}
}

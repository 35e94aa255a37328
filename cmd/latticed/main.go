// Command latticed is the daemon entrypoint: it loads configuration,
// constructs a Backend, installs the telemetry MeterProvider, and keeps
// an Engine alive until told to stop. latticed exposes no network
// protocol of its own — the fabric is an embeddable library, and this
// binary exists to host it as a long-running process for deployments
// that want a single daemon owning the backend's lifetime (e.g. an
// embedded NATS/JetStream server) rather than embedding the Engine in
// every client process.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/lattice-run/lattice/internal/bootstrap"
	"github.com/lattice-run/lattice/internal/config"
	"github.com/lattice-run/lattice/internal/engine"
	"github.com/lattice-run/lattice/internal/telemetry"
)

func main() {
	var (
		configPath = flag.String("config", "lattice.yaml", "Path to lattice.yaml")
		metricsOut = flag.Bool("stdout-metrics", false, "Echo exported metrics to stdout")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[latticed] ", log.LstdFlags|log.Lmsgprefix)

	cfg, err := config.LoadLatticeConfig(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	var telemetryWriter io.Writer = io.Discard
	if *metricsOut {
		telemetryWriter = os.Stdout
	}
	shutdownTelemetry, err := telemetry.Init(telemetry.Config{
		ServiceName: "latticed",
		Writer:      telemetryWriter,
	})
	if err != nil {
		logger.Fatalf("init telemetry: %v", err)
	}

	b, err := bootstrap.NewBackend(cfg)
	if err != nil {
		logger.Fatalf("construct backend: %v", err)
	}

	e := engine.New(b, nil)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Printf("latticed started (backend=%s, clustered=%v)", cfg.Backend, b.Clustered())

	<-ctx.Done()
	logger.Printf("received shutdown signal, draining")

	e.Shutdown()
	if err := b.Close(); err != nil {
		logger.Printf("backend close: %v", err)
	}
	if err := shutdownTelemetry(context.Background()); err != nil {
		logger.Printf("telemetry shutdown: %v", err)
	}

	logger.Printf("latticed stopped")
}

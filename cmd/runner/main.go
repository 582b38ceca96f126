// Command runner starts the oken agent lifecycle engine: it wires the
// registry, container driver, proxy, and deployment pipeline together
// behind the HTTP surface, and drives the idle sweep in the background.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/neult/oken/internal/clock"
	"github.com/neult/oken/internal/config"
	"github.com/neult/oken/internal/containerdriver/dockerengine"
	"github.com/neult/oken/internal/deploy"
	"github.com/neult/oken/internal/events"
	"github.com/neult/oken/internal/httpapi"
	"github.com/neult/oken/internal/logging"
	"github.com/neult/oken/internal/metrics"
	"github.com/neult/oken/internal/proxy"
	"github.com/neult/oken/internal/registry"
)

// version and commit are set at build time via ldflags:
//
//	-X main.version=$(VERSION) -X main.commit=$(COMMIT)
var version = "dev"
var commit = "unknown"

func versionString() string {
	if commit != "" && commit != "unknown" {
		return version + " (" + commit + ")"
	}
	return version
}

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	fmt.Println("oken " + versionString())
	fmt.Println("=============================================")

	driver, err := dockerengine.New(cfg.DockerSock)
	if err != nil {
		log.Error("failed to create docker driver", "error", err)
		os.Exit(1)
	}
	defer driver.Close()

	if err := driver.EnsureNetwork(ctx, cfg.DockerNetwork); err != nil {
		log.Error("failed to ensure docker network", "error", err)
		os.Exit(1)
	}

	if n, err := driver.CleanupOrphans(ctx); err != nil {
		log.Warn("failed to clean up orphaned containers at startup", "error", err)
	} else if n > 0 {
		metrics.OrphansCleaned.Add(float64(n))
		log.Info("cleaned up orphaned containers from a prior run", "count", n)
	}

	clk := clock.System{}
	bus := events.New()
	reg := registry.New(driver, clk, log, bus, cfg.CleanupInterval)
	px := proxy.New(cfg.ContainerPort, cfg.InvokeTimeout, cfg.HealthCheckTimeout, clk)
	pipeline := deploy.New(reg, driver, px, bus, log, clk, deploy.Settings{
		DataDir:         cfg.DataDir,
		DockerNetwork:   cfg.DockerNetwork,
		BaseImagePrefix: cfg.BaseImagePrefix,
		ContainerPort:   cfg.ContainerPort,
	})

	reg.StartSweep(ctx)
	defer reg.StopSweep()

	server := httpapi.New(pipeline, reg, bus, log, cfg.MetricsEnabled)
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: server}

	go func() {
		log.Info("listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HealthCheckTimeout)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

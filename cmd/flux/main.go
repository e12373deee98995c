package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"goa.design/clue/log"

	"github.com/fluxmcp/flux/features/flux"
	"github.com/fluxmcp/flux/runtime/ao"
	"github.com/fluxmcp/flux/runtime/ao/wallet"
	"github.com/fluxmcp/flux/runtime/config"
	"github.com/fluxmcp/flux/runtime/mcp"
	"github.com/fluxmcp/flux/runtime/telemetry"
)

// version is overridden at link time.
var version = "1.0.0"

func main() {
	cfg, err := config.Resolve("flux", os.Args[1:], os.LookupEnv, os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "flux: %v\n", err)
		os.Exit(2)
	}

	// Stdout carries the protocol; logs go to stderr.
	format := log.FormatJSON
	switch cfg.LogFormat {
	case config.LogFormatTerminal:
		format = log.FormatTerminal
	case config.LogFormatAuto:
		if log.IsTerminal() {
			format = log.FormatTerminal
		}
	}
	ctx := log.Context(context.Background(), log.WithFormat(format), log.WithOutput(os.Stderr))
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	ctx = log.With(ctx, log.KV{K: "session", V: uuid.NewString()})
	if cfg.File != "" {
		log.Print(ctx, log.KV{K: "config", V: cfg.File})
	}

	signer, err := loadWallet(ctx, cfg.WalletPath)
	if err != nil {
		log.Fatalf(ctx, err, "failed to set up wallet")
	}
	log.Print(ctx, log.KV{K: "address", V: signer.Address()})

	tel := telemetry.Telemetry{
		Logger:  telemetry.NewClueLogger(),
		Metrics: telemetry.NewOtelMetrics(),
		Tracer:  telemetry.NewOtelTracer(),
	}

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	errc := make(chan error, 1)

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		prom := telemetry.NewPromMetrics(reg)
		tel.Metrics = prom
		handleMetricsServer(ctx, cfg.MetricsAddr, prom.Handler(), &wg, errc)
	}

	httpClient := &http.Client{Timeout: time.Duration(cfg.HTTPTimeout)}
	network := ao.New(ao.Options{
		MUURL:       cfg.MUURL,
		CUURL:       cfg.CUURL,
		HTTPClient:  httpClient,
		SubmitRate:  cfg.SubmitRate,
		SubmitBurst: cfg.SubmitBurst,
	})
	svc := flux.NewService(flux.Config{
		Module:       cfg.Module,
		SqliteModule: cfg.SqliteModule,
		Scheduler:    cfg.Scheduler,
		Poll:         cfg.Retry(),
	}, network, signer, flux.NewBlueprintSource(cfg.BlueprintBase, httpClient), tel.Logger)

	srv, err := mcp.NewServer(mcp.ImplementationInfo{Name: "flux", Version: version}, flux.Tools(svc), mcp.WithTelemetry(tel))
	if err != nil {
		log.Fatalf(ctx, err, "failed to build tool table")
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := srv.Serve(ctx, os.Stdin, os.Stdout)
		if err == nil || errors.Is(err, context.Canceled) {
			log.Printf(ctx, "stdin closed")
			err = nil
		}
		select {
		case errc <- err:
		default:
		}
	}()
	log.Printf(ctx, "flux MCP server running on stdio")

	select {
	case sig := <-sigc:
		log.Printf(ctx, "exiting (%v)", sig)
		err = nil
	case err = <-errc:
	}
	cancel()
	wg.Wait()
	if err != nil {
		log.Fatalf(ctx, err, "fatal error running server")
	}
	log.Printf(ctx, "exited")
}

// loadWallet loads the JWK at path, creating it on first use. An empty path
// yields a fresh identity for this run only.
func loadWallet(ctx context.Context, path string) (*wallet.Wallet, error) {
	if path == "" {
		return wallet.Generate()
	}
	w, err := wallet.Load(path)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	w, err = wallet.Generate()
	if err != nil {
		return nil, err
	}
	if err := w.Save(path); err != nil {
		return nil, err
	}
	log.Printf(ctx, "created wallet %s", path)
	return w, nil
}

func handleMetricsServer(ctx context.Context, addr string, h http.Handler, wg *sync.WaitGroup, errc chan error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 60 * time.Second}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			log.Printf(ctx, "metrics listening on %q", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				select {
				case errc <- fmt.Errorf("metrics server: %w", err):
				default:
				}
			}
		}()

		<-ctx.Done()
		log.Printf(ctx, "shutting down metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf(ctx, err, "failed to shutdown metrics server")
		}
	}()
}

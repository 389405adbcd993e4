// Command relayd is the voice-to-agent relay server: it wires together
// every component (C1-C10) and serves the HTTP and WebSocket listeners
// until it receives a shutdown signal.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kestrelrelay/relayd/internal/agentprocess"
	"github.com/kestrelrelay/relayd/internal/aggregator"
	"github.com/kestrelrelay/relayd/internal/audiostore"
	"github.com/kestrelrelay/relayd/internal/config"
	"github.com/kestrelrelay/relayd/internal/eventbus"
	"github.com/kestrelrelay/relayd/internal/guard"
	"github.com/kestrelrelay/relayd/internal/httpapi"
	"github.com/kestrelrelay/relayd/internal/observability"
	"github.com/kestrelrelay/relayd/internal/peerauth"
	"github.com/kestrelrelay/relayd/internal/permission"
	"github.com/kestrelrelay/relayd/internal/policy"
	"github.com/kestrelrelay/relayd/internal/sttadapter"
)

func main() {
	staticCfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	cfgStore := config.NewStore()

	metrics := observability.NewMetrics(staticCfg.MetricsNamespace)

	var resolver peerauth.IdentityResolver
	if staticCfg.IdentitySocket != "" {
		resolver = peerauth.NewSocketResolver(staticCfg.IdentitySocket)
	}
	authGate := peerauth.New(resolver, staticCfg.AllowedNodes)
	if !authGate.Enabled() {
		log.Printf("PeerAuth disabled: ALLOWED_NODES is empty, every peer is allowed")
	}

	bus := eventbus.New(0, func(kind string) {
		metrics.ObserveEventBusDrop(kind)
	})

	agg := aggregator.New(bus, 0)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	go agg.Run(runCtx)

	audio := audiostore.New(0)
	go audio.RunReaper(runCtx, time.Minute)

	stt := sttadapter.New(staticCfg.STTAPIKey, staticCfg.STTBaseURL, staticCfg.TTSBaseURL)

	autoAllow := policy.NewAutoAllow(staticCfg.AutoAllowReadOnlyCommands)
	perm := permission.New(autoAllow, bus).WithAggregator(agg).WithMetrics(metrics)

	g := guard.New(0)

	launch := func(ctx context.Context, workDir string) *exec.Cmd {
		cmd := exec.CommandContext(ctx, staticCfg.AgentCommand, staticCfg.AgentArgs...)
		cmd.Dir = workDir
		return cmd
	}

	gw := httpapi.New(staticCfg, cfgStore, authGate, bus, agg, nil, perm, g, audio, stt, metrics)
	proc := agentprocess.New(launch, staticCfg.WorkDir, gw)
	gw.SetProcess(proc)

	if err := proc.Start(runCtx); err != nil {
		log.Fatalf("agent process start failed: %v", err)
	}

	httpServer := &http.Server{
		Addr:    portAddr(staticCfg.PortHTTP),
		Handler: gw.HTTPRouter(),
	}
	wsServer := &http.Server{
		Addr:    portAddr(staticCfg.PortWS),
		Handler: gw.WSRouter(),
	}

	eg, egCtx := errgroup.WithContext(context.Background())
	eg.Go(func() error {
		log.Printf("http listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		log.Printf("ws listening on %s", wsServer.Addr)
		if err := wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Printf("shutdown signal received")
	case <-egCtx.Done():
		log.Printf("a listener exited unexpectedly")
	}

	runCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		_ = httpServer.Close()
	}
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		_ = wsServer.Close()
	}

	if err := eg.Wait(); err != nil {
		log.Printf("listener error: %v", err)
	}

	proc.Stop(staticCfg.ShutdownGrace)
	log.Printf("shutdown complete")
}

func portAddr(port int) string {
	return fmt.Sprintf(":%d", port)
}

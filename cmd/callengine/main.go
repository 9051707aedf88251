package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voxlane/callengine/internal/banner"
	"github.com/voxlane/callengine/internal/config"
	"github.com/voxlane/callengine/internal/engine"
	"github.com/voxlane/callengine/internal/events"
	"github.com/voxlane/callengine/internal/logger"
	"github.com/voxlane/callengine/internal/negotiate"
	"github.com/voxlane/callengine/internal/session"
	"github.com/voxlane/callengine/internal/store"
	"github.com/voxlane/callengine/internal/store/memstore"
	"github.com/voxlane/callengine/internal/store/sqlstore"
	"github.com/voxlane/callengine/internal/webhook"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	banner.Print("Call Engine", []banner.ConfigLine{
		{Label: "HTTP", Value: fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.HTTPPort)},
		{Label: "Node", Value: cfg.NodeID},
		{Label: "Audio dir", Value: cfg.AudioDir},
		{Label: "Log level", Value: cfg.LogLevel},
	})

	slog.Info("Starting Call Engine",
		"http_port", cfg.HTTPPort,
		"bind", cfg.BindAddr,
		"node_id", cfg.NodeID,
		"audio_dir", cfg.AudioDir,
		"force_relay", cfg.ForceRelay,
	)

	st, err := openStore(cfg)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	neg, err := negotiate.New(negotiate.Config{
		ICEServers:     cfg.ICEServers,
		ICEUsername:    cfg.ICEUsername,
		ICECredential:  cfg.ICECredential,
		ForceRelay:     cfg.ForceRelay,
		UDPPortMin:     cfg.UDPPortMin,
		UDPPortMax:     cfg.UDPPortMax,
		NAT1To1IP:      cfg.NAT1To1IP,
		GatherTimeout:  cfg.GatherTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
	})
	if err != nil {
		slog.Error("Failed to create negotiator", "error", err)
		os.Exit(1)
	}

	pub := events.NewLoggingPublisher(slog.Default())
	defer pub.Close()

	registry := session.NewRegistry()
	eng := engine.New(cfg, registry, st, neg, pub)

	srv := webhook.NewServer(eng, st, cfg.VerifyToken)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.HTTPPort),
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		slog.Info("HTTP server listening", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down", "signal", sig)

	// Graceful shutdown: stop accepting traffic, then end live calls.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}

	registry.Each(func(sess *session.Session) {
		eng.EndSession(shutdownCtx, sess, "normal")
	})

	slog.Info("Call Engine stopped")
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.DatabaseDSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return sqlstore.Open(ctx, cfg.DatabaseDSN)
	}

	mem := memstore.New()
	if cfg.FlowsPath != "" {
		if err := mem.LoadFlowsFile(cfg.FlowsPath); err != nil {
			return nil, err
		}
	}
	return mem, nil
}

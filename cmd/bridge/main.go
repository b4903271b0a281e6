// Command bridge is the debugger command pipeline's process entrypoint: it
// loads configuration, builds the structured logger and notification bus,
// constructs a session manager, mounts the extension-callback HTTP server
// and optional websocket relay, and blocks on an OS signal before running
// an orderly shutdown of every live session.
//
// Grounded on agentctl's main.go wiring order (config -> logger ->
// manager -> HTTP server -> signal wait -> graceful shutdown), generalized
// from a single agent process to a manager of many debugger sessions.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/config"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/exttoken"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/extapi"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/logger"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/notify"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/session"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/wsrelay"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting debugger bridge",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port))

	bus := notify.New(log)
	defer bus.Close()

	relayHub := wsrelay.NewHub(log)
	relayDone := make(chan struct{})
	go relayHub.Run(relayDone)
	defer close(relayDone)

	sessions := session.NewManager(log, bus, cfg.ToSessionConfig())
	sessions.OnSessionTopic = func(topic string) {
		relayHub.Subscribe(bus, topic)
	}

	tokens := exttoken.New(time.Duration(cfg.Extension.TokenTTLSeconds) * time.Second)
	defer tokens.Close()

	extServer := extapi.New(log, sessions, tokens, extapi.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		RequestDeadline: time.Duration(cfg.Extension.RequestDeadlineSecs) * time.Second,
	})
	if err := extServer.Start(); err != nil {
		log.Fatal("failed to start extension callback server", zap.Error(err))
	}

	relayMux := http.NewServeMux()
	relayMux.HandleFunc("/ws/notifications", relayHub.ServeHTTP)
	relayServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port+1),
		Handler: relayMux,
	}
	go func() {
		if err := relayServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("websocket relay server stopped unexpectedly", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down debugger bridge")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := sessions.DestroyAll(ctx); err != nil {
		log.Error("error tearing down sessions", zap.Error(err))
	}
	if err := extServer.Shutdown(ctx); err != nil {
		log.Error("extension server shutdown error", zap.Error(err))
	}
	if err := relayServer.Shutdown(ctx); err != nil {
		log.Error("relay server shutdown error", zap.Error(err))
	}
}

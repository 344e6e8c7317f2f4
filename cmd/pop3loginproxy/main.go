// Command pop3loginproxy runs the POP3 authenticating login-proxy: it
// listens for already-identified clients, drives each one through a
// pre-login dialog with a configured backend, and pumps bytes once
// logged in.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/migadu/poplogin/config"
	"github.com/migadu/poplogin/logger"
	pkgerrors "github.com/migadu/poplogin/pkg/errors"
	"github.com/migadu/poplogin/server/pop3proxy"
	"github.com/migadu/poplogin/server/proxy"
)

func main() {
	configPath := flag.String("config", "/etc/pop3loginproxy/config.toml", "path to TOML configuration file")
	flag.Parse()

	settings, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", "path", *configPath, "error", err)
	}

	logFile, err := logger.Initialize(settings.Logging)
	if err != nil {
		logger.Fatal("failed to initialize logging", "error", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	errHandler := pkgerrors.NewErrorHandler()

	health := proxy.NewHealthRegistry()
	engine := proxy.NewEngine(settings.Proxy, health)

	if settings.Proxy.NotifyPipePath != "" {
		notifyPipe := proxy.NewNotifyPipe(settings.Proxy.NotifyPipePath)
		defer notifyPipe.Close()
		health.SetNotifier(notifyPipe.Send)
	}

	listener, err := net.Listen("tcp", settings.ListenAddr)
	if err != nil {
		errHandler.FatalError("listen on client-facing address", err)
		os.Exit(errHandler.WaitForExit())
	}
	logger.Info("pop3loginproxy listening", "addr", settings.ListenAddr, "backend", settings.BackendAddr)

	pop3Server := pop3proxy.NewServer(engine, settings)
	go func() {
		if err := pop3Server.Serve(listener); err != nil {
			errHandler.FatalError("pop3 listener", err)
		}
	}()

	if settings.Admin.Enabled {
		startAdminSocket(engine, settings.Admin, errHandler)
	}

	if settings.Metrics.Enabled {
		startMetricsServer(engine, settings.Metrics, errHandler)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case code := <-waitForFatal(errHandler):
		logger.Error("fatal error, shutting down", "exit_code", code)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errHandler.Shutdown(shutdownCtx)

	listener.Close()
	engine.KillIdle()
	time.Sleep(proxy.DieIdleSecs + 500*time.Millisecond)
}

func waitForFatal(eh *pkgerrors.ErrorHandler) <-chan int {
	ch := make(chan int, 1)
	go func() { ch <- eh.WaitForExit() }()
	return ch
}

func startAdminSocket(engine *proxy.Engine, cfg config.AdminConfig, errHandler *pkgerrors.ErrorHandler) {
	os.Remove(cfg.SocketPath)
	ln, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		logger.Error("failed to start admin socket", "path", cfg.SocketPath, "error", err)
		return
	}
	admin := proxy.NewAdminServer(engine, cfg.SharedSecret)
	go func() {
		if err := admin.Serve(ln); err != nil {
			logger.Warn("admin socket stopped", "error", err)
		}
	}()
	logger.Info("admin socket listening", "path", cfg.SocketPath)
}

func startMetricsServer(engine *proxy.Engine, cfg config.MetricsConfig, errHandler *pkgerrors.ErrorHandler) {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	router.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		pending, detached := engine.SessionCounts()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "pending=%d detached=%d\n", pending, detached)
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errHandler.FatalError("metrics server", err)
		}
	}()
	logger.Info("metrics server listening", "addr", cfg.ListenAddr)
}

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bratsche/kastchei"
	"github.com/bratsche/kastchei/internal/config"
	"github.com/bratsche/kastchei/internal/observability"
)

type chatMessage struct {
	User string `json:"user"`
	Body string `json:"body"`
}

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	debug := flag.Bool("debug", false, "Enable debug logging and status output")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if len(flag.Args()) >= 1 {
		cfg.Username = flag.Args()[0]
	}
	if cfg.Username == "" {
		cfg.Username = "user-" + uuid.NewString()[:8]
	}
	if *debug {
		cfg.Log.Level = "debug"
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}

	os.Exit(finish(logger, run(cfg, logger, *debug)))
}

// finish logs err, flushes the logger and returns the process exit code
func finish(logger *zap.Logger, err error) int {
	code := 0
	if err != nil {
		logger.Error("chat exited", zap.Error(err))
		code = 1
	}
	_ = logger.Sync()
	return code
}

func run(cfg *config.Config, logger *zap.Logger, debug bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	socket := kastchei.NewSocketWithEndpoints(kastchei.EndpointList(cfg.Endpoints...), &kastchei.SocketOptions{
		Timeout:           cfg.Socket.Timeout,
		HeartbeatInterval: cfg.Socket.HeartbeatInterval,
		ReconcileDelay:    cfg.Socket.ReconcileDelay,
		Logger:            logger.Named("socket"),
		Registerer:        registry,
	})
	defer socket.Close()

	connections := 0
	socket.OnOpen(func() {
		connections++
		fmt.Printf("🟢 Connected (#%d)\n", connections)
	})
	socket.OnError(func(err error) {
		if kastchei.IsFatal(err) {
			fmt.Printf("⛔ Rejected: %v\n", err)
			return
		}
		fmt.Printf("🔴 Disconnected: %v\n", err)
	})

	channel := socket.Channel(cfg.Topic)
	defer channel.Close()

	kastchei.OnPayload[chatMessage](channel, "new_message", func(msg chatMessage, err error) {
		if err != nil {
			logger.Warn("unexpected message shape", zap.Error(err))
			return
		}
		fmt.Printf("[%s]: %s\n", msg.User, msg.Body)
	})

	channel.JoinWith(map[string]string{"user": cfg.Username}).
		Receive(kastchei.StatusOK, func(json.RawMessage) {
			fmt.Printf("✅ Joined %s as %s. Type messages:\n", cfg.Topic, cfg.Username)
		}).
		Receive(kastchei.StatusError, func(reason json.RawMessage) {
			fmt.Printf("❌ Join failed: %s\n", reason)
		}).
		Receive(kastchei.StatusTimeout, func(json.RawMessage) {
			fmt.Println("⌛ Join timed out")
		})

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			logger.Info("serving metrics", zap.String("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if debug {
		g.Go(func() error {
			ticker := time.NewTicker(3 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					fmt.Printf("🔍 Status: %s (live channels: %d)\n", socket.State(), socket.LiveChannels())
				}
			}
		})
	}

	// stdin cannot be interrupted, so it stays outside the group
	go func() {
		defer stop()
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			if text == "quit" || text == "exit" {
				return
			}
			if text == "" {
				continue
			}
			channel.Send("new_message", chatMessage{User: cfg.Username, Body: text}).
				Receive(kastchei.StatusError, func(reason json.RawMessage) {
					fmt.Printf("❌ Send failed: %s\n", reason)
				})
		}
	}()

	<-gctx.Done()
	return g.Wait()
}

// The relay binary serves the collabsync websocket endpoint, optionally
// backed by redis fan-out and postgres snapshot persistence, and advertises
// itself on the LAN over mDNS.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/redis/go-redis/v9"

	"collabsync/internal/config"
	"collabsync/relay"
)

const mdnsService = "_collabsync._tcp"

func main() {
	if err := run(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "collabsync.yml", "path to the yaml config file")
	addrFlag := flag.String("addr", "", "listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *addrFlag != "" {
		cfg.Addr = *addrFlag
	}

	level := new(slog.LevelVar)
	lvl, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	level.Set(lvl)
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := relay.Options{Logger: log}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("could not connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		log.Info("connected to redis", "addr", cfg.RedisAddr)
		opts.Redis = rdb
		defer rdb.Close()
	}

	if cfg.PostgresURL != "" {
		store, err := relay.NewStore(ctx, cfg.PostgresURL)
		if err != nil {
			return fmt.Errorf("could not connect to postgres: %w", err)
		}
		log.Info("connected to postgres")
		opts.Store = store
		defer store.Close()
	}

	stopWatch, err := config.Watch(*configPath, log, func(next *config.Config) {
		if lvl, err := next.SlogLevel(); err == nil {
			level.Set(lvl)
		}
	})
	if err != nil {
		log.Warn("config hot reload unavailable", "err", err)
	} else {
		defer stopWatch()
	}

	if cfg.MDNS {
		stop, err := advertise(cfg.Addr)
		if err != nil {
			log.Warn("mdns advertisement unavailable", "err", err)
		} else {
			log.Info("mdns service registered", "service", mdnsService)
			defer stop()
		}
	}

	srv := relay.New(opts)
	httpServer := &http.Server{Addr: cfg.Addr, Handler: srv.Handler()}

	errCh := make(chan error, 1)
	go func() {
		log.Info("relay listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		log.Info("signal caught, shutting down", "sig", sig)
	case err := <-errCh:
		return fmt.Errorf("relay listen failed: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

func advertise(addr string) (func(), error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("cannot derive mdns port from addr %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("cannot derive mdns port from addr %q: %w", addr, err)
	}
	host, _ := os.Hostname()
	server, err := zeroconf.Register(
		"collabsync-relay-"+host,
		mdnsService,
		"local.",
		port,
		[]string{"path=/ws"},
		nil,
	)
	if err != nil {
		return nil, err
	}
	return server.Shutdown, nil
}

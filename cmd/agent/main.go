// The agent binary is a headless collabsync client: it finds a relay (given
// or discovered over mDNS), joins a room, logs every snapshot it converges
// to, and keeps a heartbeat field and its cursor moving so a room can be
// watched end to end without a UI.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/grandcat/zeroconf"

	"collabsync/client"
	"collabsync/protocol"
)

const mdnsService = "_collabsync._tcp"

func main() {
	if err := run(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func run() error {
	urlFlag := flag.String("url", "", "relay websocket url, e.g. ws://localhost:8081/ws (empty: discover via mdns)")
	roomFlag := flag.String("room", "default", "room to join")
	nameFlag := flag.String("name", "", "display name")
	cacheFlag := flag.String("cache", "agent.db", "snapshot cache path (empty: disabled)")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	url := *urlFlag
	if url == "" {
		discovered, err := discover(log)
		if err != nil {
			return err
		}
		url = discovered
	}

	var cache *client.Cache
	if *cacheFlag != "" {
		var err error
		cache, err = client.OpenCache(*cacheFlag)
		if err != nil {
			return err
		}
		defer cache.Close()
	}

	sess := client.New(client.Options{
		URL:      url,
		Room:     *roomFlag,
		UserName: *nameFlag,
		Cache:    cache,
		Logger:   log,
		InitialState: protocol.Document{
			"heartbeat": json.RawMessage("0"),
		},
		OnSnapshot: func(snap client.Snapshot) {
			log.Info("snapshot",
				"version", snap.Version,
				"fields", len(snap.Doc),
				"peers", len(snap.Others),
				"join", snap.Join.String())
		},
		OnError: func(msg string) {
			log.Warn("relay error", "error", msg)
		},
	})
	sess.Connect()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go heartbeat(ctx, sess)

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	log.Info("signal caught, leaving", "sig", sig)
	cancel()
	sess.Disconnect()
	return nil
}

// heartbeat bumps a document field and jitters the cursor on a randomized
// interval, exercising both the patch and cursor paths.
func heartbeat(ctx context.Context, sess *client.Session) {
	for {
		t := time.NewTimer(2*time.Second + time.Duration(rand.Intn(4))*time.Second)
		select {
		case <-t.C:
			sess.Update(protocol.Document{
				"heartbeat": json.RawMessage(strconv.FormatInt(time.Now().Unix(), 10)),
			})
			sess.MoveCursor(rand.Float64()*100, rand.Float64()*100)
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

// discover browses the LAN for a relay and returns its websocket url.
func discover(log *slog.Logger) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("init mdns resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := resolver.Browse(ctx, mdnsService, "local.", entries); err != nil {
		return "", fmt.Errorf("browse for relay: %w", err)
	}
	for entry := range entries {
		if len(entry.AddrIPv4) == 0 {
			continue
		}
		url := fmt.Sprintf("ws://%s:%d/ws", entry.AddrIPv4[0], entry.Port)
		log.Info("discovered relay", "instance", entry.Instance, "url", url)
		return url, nil
	}
	return "", fmt.Errorf("no relay found via mdns within 10s")
}

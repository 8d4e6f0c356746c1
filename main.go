package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"path/filepath"
	"syscall"

	"ztalkd/bus"
	"ztalkd/config"
	"ztalkd/daemon"
	"ztalkd/registry"
	"ztalkd/router"
	"ztalkd/sshmgr"
	"ztalkd/storage"
)

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	fmt.Printf("Peer ID:         %s\n", cfg.PeerID)
	fmt.Printf("Display Name:    %s\n", cfg.DisplayName)
	fmt.Printf("Config File:     %s\n", cfgPath)
	dataDir := filepath.Dir(cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	d, err := daemon.New(daemon.Options{Config: cfg, Store: store})
	if err != nil {
		log.Fatalf("startup failed while building daemon: %v", err)
	}
	fmt.Printf("Message Port:    %d\n", d.TCPPort())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go logEvents(d.Subscribe())

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	if err := d.Run(ctx); err != nil {
		log.Fatalf("daemon exited with error: %v", err)
	}
	fmt.Println("Status:          shutting down")
}

func logEvents(sub *bus.Subscription) {
	defer sub.Close()
	for event := range sub.Events() {
		switch e := event.(type) {
		case registry.PeerAdded:
			log.Printf("peer online id=%s name=%q", e.Peer.ID, e.Peer.DisplayName)
		case registry.PeerStateChanged:
			log.Printf("peer %s state=%s (was %s)", e.Peer.ID, e.Peer.State, e.Previous)
		case registry.PeerRemoved:
			log.Printf("peer removed id=%s", e.Peer.ID)
		case router.MessageReceived:
			log.Printf("message from=%s kind=%d len=%d", e.Message.SenderID, e.Message.Kind, len(e.Message.Content))
		case router.MessageSendFailed:
			log.Printf("send failed target=%s reason=%s: %v", e.TargetID, e.Reason, e.Err)
		case sshmgr.ConnectionStateChanged:
			log.Printf("ssh %s %s -> %s", e.ConnectionID, e.Previous, e.State)
		}
	}
}

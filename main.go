package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"sync"
	"syscall"

	"github.com/Bwesun/Chat/auth"
	"github.com/Bwesun/Chat/chat"
	"github.com/Bwesun/Chat/config"
	"github.com/Bwesun/Chat/crypto"
	"github.com/Bwesun/Chat/presence"
	"github.com/Bwesun/Chat/rest"
	"github.com/Bwesun/Chat/store/sqlstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("startup failed: %v", err)
	}

	cipher, err := crypto.New(cfg.MessageKey)
	if err != nil {
		log.Fatalf("startup failed while preparing cipher: %v", err)
	}

	fmt.Printf("User ID:         %s\n", cfg.UserID)
	fmt.Printf("Install ID:      %s\n", cfg.InstallID)
	fmt.Printf("Backend:         %s\n", cfg.BackendURL)
	fmt.Printf("Data Directory:  %s\n", cfg.DataDir)

	messageStore, dbPath, err := sqlstore.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := messageStore.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	backend := rest.NewClient(cfg.BackendURL)

	broadcaster := auth.NewBroadcaster()
	gate := chat.NewGate(&logNavigator{route: chat.RouteWelcome})
	gate.Bind(broadcaster)
	defer gate.Close()

	var presenceSource chat.PresenceSource
	if cfg.PresenceEnabled {
		presenceService, err := presence.Start(presence.Config{LocalUserID: cfg.UserID})
		if err != nil {
			log.Printf("presence startup failed: %v", err)
		} else {
			defer presenceService.Stop()
			presenceSource = presenceService
			fmt.Println("Presence:        running")
		}
	}

	index, err := chat.NewIndexBuilder(chat.IndexBuilderOptions{
		LocalUserID:   cfg.UserID,
		Store:         messageStore,
		Cipher:        cipher,
		Directory:     backend,
		Presence:      presenceSource,
		OnUpdate:      logIndexState,
		OnFault:       func(err error) { log.Printf("chat: %v", err) },
		FanoutTimeout: cfg.FanoutTimeout,
	})
	if err != nil {
		log.Fatalf("startup failed while building conversation index: %v", err)
	}
	index.Start()
	defer index.Close()

	broadcaster.SignIn(auth.Identity{UserID: cfg.UserID})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

func logIndexState(state chat.IndexState) {
	switch {
	case state.Loading:
		log.Printf("index: loading")
	case state.Err != nil:
		log.Printf("index: load failed: %v", state.Err)
	default:
		log.Printf("index: %d conversation(s)", len(state.Summaries))
		for _, s := range state.Summaries {
			log.Printf("index: %s (%s) unread=%d online=%v last=%q",
				s.Name, s.PartnerID, s.Unread, s.Online, s.LastMessage)
		}
	}
}

// logNavigator stands in for the platform navigation layer.
type logNavigator struct {
	mu    sync.Mutex
	route string
}

func (n *logNavigator) CurrentRoute() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.route
}

func (n *logNavigator) Navigate(route string) {
	n.mu.Lock()
	n.route = route
	n.mu.Unlock()
	log.Printf("navigate: %s", route)
}

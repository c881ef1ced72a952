package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"log"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"haven/internal/api"
	"haven/internal/auth"
	"haven/internal/chat"
	"haven/internal/commands"
	"haven/internal/config"
	"haven/internal/http"
	"haven/internal/notify"
	"haven/internal/presence"
	"haven/internal/rooms"
	"haven/internal/session"
	"haven/internal/storage"
	"haven/internal/typing"
	"haven/internal/ws"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("haven", flag.ContinueOnError)
	addUser := flags.String("add-user", "", "Username to create (prints the user id and a bearer token)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*addUser != "")
	if err != nil {
		return err
	}

	if *addUser != "" {
		return commands.AddUser(*addUser, cfg)
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	verifier, err := auth.NewVerifier(auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		Issuer:      cfg.TokenIssuer,
		TokenExpiry: cfg.TokenExpiry,
	}, bbStorage)
	if err != nil {
		return err
	}

	var pusher notify.Pusher
	pushConfig := notify.PushConfig{
		PublicKey:  cfg.VAPIDPublicKey,
		PrivateKey: cfg.VAPIDPrivateKey,
		Subject:    cfg.VAPIDSubject,
	}
	if pushConfig.Enabled() {
		pusher = notify.NewWebPush(pushConfig, nil)
	} else {
		log.Println("Web push disabled: VAPID keys are not set")
	}

	registry := session.NewRegistry()
	roomManager := rooms.NewManager(bbStorage)
	router := notify.NewRouter(bbStorage, registry, pusher, notify.Config{Workers: cfg.PushWorkers})
	defer router.Close()

	hub := ws.NewHub(ws.Config{
		Registry:   registry,
		Rooms:      roomManager,
		Typing:     typing.New(roomManager, typing.Config{Timeout: cfg.TypingTimeout}),
		Pipeline:   chat.New(bbStorage, roomManager, router, chat.Config{MaxLength: cfg.MaxMessageLength}),
		Presence:   presence.NewBroadcaster(registry, bbStorage),
		SendBuffer: cfg.SendBuffer,
	})

	wsServer := ws.NewServer(verifier, hub, cfg.AllowedOrigins)
	apiHandlers := api.New(verifier, bbStorage, roomManager, hub, cfg.VAPIDPublicKey)
	adminHandler := api.NewAdminHandler(verifier, bbStorage, hub, router, cfg.BaseURL)

	adminServer := http.NewAdminServer(adminHandler, cfg.AdminAddr)
	apiServer := http.NewAPIServer(apiHandlers, wsServer, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	// Start Admin Server
	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Start API Server
	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Admin server shutdown error: %v", err)
		}
		// Hijacked websocket connections are not tracked by the server.
		hub.CloseAll()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}

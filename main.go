package main

import (
	"context"
	"errors"
	"flag"
	"log"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"talktime/internal/chat"
	"talktime/internal/commands"
	"talktime/internal/config"
	"talktime/internal/filestore"
	"talktime/internal/friends"
	"talktime/internal/http"
	"talktime/internal/identity"
	"talktime/internal/registry"
	"talktime/internal/storage"
)

func run(ctx context.Context, addUser, displayName string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if addUser != "" {
		return commands.AddUser(ctx, addUser, displayName, cfg)
	}

	store, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := store.EnsurePublicChat(cfg.PublicChatName); err != nil {
		return err
	}

	verifier, err := identity.NewVerifier(ctx, identity.Config{
		Secret:   cfg.IdentitySecret,
		CacheTTL: cfg.TokenCacheTTL,
	})
	if err != nil {
		return err
	}

	files, err := filestore.NewLocalFileStore(cfg.UploadsPath)
	if err != nil {
		return err
	}

	reg := registry.New()
	friendsService := friends.NewService(store, reg)
	chatService := chat.NewService(store, reg)

	apiServer := http.NewAPIServer(verifier, store, friendsService, chatService, reg, files, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

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
		log.Println("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	addUser := flag.String("add-user", "", "Username to create (prints the user's identity token)")
	displayName := flag.String("display-name", "", "Display name for -add-user (defaults to the username)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *addUser, *displayName); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}

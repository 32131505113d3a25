package commands

import (
	"context"
	"fmt"
	"time"

	"talktime/internal/config"
	"talktime/internal/content"
	"talktime/internal/identity"
	"talktime/internal/storage"
)

const tokenExpiry = 30 * 24 * time.Hour

// AddUser creates a user directly in the database and prints a signed
// identity token for it. The database is opened exclusively, so this is an
// offline bootstrap command: run it while the server is stopped.
func AddUser(ctx context.Context, username, displayName string, cfg *config.Config) error {
	if err := content.ValidateUsername(username); err != nil {
		return err
	}
	if displayName == "" {
		displayName = username
	}

	store, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return fmt.Errorf("failed to open database: %w. Is the server running?", err)
	}
	defer func() { _ = store.Close() }()

	user, err := store.CreateUser(username, displayName, "")
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	verifier, err := identity.NewVerifier(ctx, identity.Config{
		Secret:   cfg.IdentitySecret,
		CacheTTL: cfg.TokenCacheTTL,
	})
	if err != nil {
		return err
	}

	token, err := verifier.Issue(user.ID, tokenExpiry)
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}

	fmt.Printf("\nUser Created Successfully!\n")
	fmt.Printf("Username:  %s\n", user.Username)
	fmt.Printf("User ID:   %s\n", user.ID)
	fmt.Printf("Token:     %s\n\n", token)
	fmt.Println("The token is valid for 30 days. Pass it in the 'token' header or as a Bearer token.")
	return nil
}

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"backupxfer/auth"
	"backupxfer/models"
	"backupxfer/storage"
)

func runProvision(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("provision")
	clientID := fs.String("id", "", "client id")
	permissions := fs.String("permissions", models.PermissionTransferWrite, "comma-separated permissions")
	expires := fs.Duration("expires", 0, "credential lifetime; 0 never expires")
	update := fs.Bool("update", false, "update an existing client instead of failing")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if strings.TrimSpace(*clientID) == "" {
		fmt.Fprintln(fs.Output(), "provision requires -id")
		return errUsage
	}

	secret, err := readSecret()
	if err != nil {
		return err
	}

	rt, err := loadApp(*configPath)
	if err != nil {
		return err
	}
	store, err := rt.openStore()
	if err != nil {
		return err
	}
	defer rt.closeStore(store)
	gate, _, err := rt.openGate(store)
	if err != nil {
		return err
	}

	var expiresAt *time.Time
	if *expires > 0 {
		at := time.Now().Add(*expires)
		expiresAt = &at
	}
	perms := splitList(*permissions)

	err = gate.ProvisionClient(ctx, *clientID, secret, perms, expiresAt)
	if errors.Is(err, storage.ErrAlreadyExists) && *update {
		active := true
		err = gate.UpdateClient(ctx, *clientID, auth.ClientUpdate{
			Secret:      &secret,
			Permissions: perms,
			IsActive:    &active,
			ExpiresAt:   expiresAt,
			ClearExpiry: expiresAt == nil,
		})
	}
	if err != nil {
		return err
	}

	fmt.Printf("Client %s ready with permissions %s\n", *clientID, strings.Join(perms, ","))
	return nil
}

func runRevoke(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("revoke")
	clientID := fs.String("id", "", "client id")
	disable := fs.Bool("disable", false, "also disable the client")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if strings.TrimSpace(*clientID) == "" {
		fmt.Fprintln(fs.Output(), "revoke requires -id")
		return errUsage
	}

	rt, err := loadApp(*configPath)
	if err != nil {
		return err
	}
	store, err := rt.openStore()
	if err != nil {
		return err
	}
	defer rt.closeStore(store)
	gate, _, err := rt.openGate(store)
	if err != nil {
		return err
	}

	if *disable {
		if err := gate.DisableClient(ctx, *clientID); err != nil {
			return err
		}
		fmt.Printf("Client %s disabled\n", *clientID)
		return nil
	}

	revoked, err := gate.RevokeClientTokens(ctx, *clientID)
	if err != nil {
		return err
	}
	fmt.Printf("Revoked %d tokens of client %s\n", revoked, *clientID)
	return nil
}

func runForget(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("forget")
	fileName := fs.String("file", "", "file name on the receiver")
	transferID := fs.String("transfer-id", "", "transfer id")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if strings.TrimSpace(*fileName) == "" || strings.TrimSpace(*transferID) == "" {
		fmt.Fprintln(fs.Output(), "forget requires -file and -transfer-id")
		return errUsage
	}

	rt, err := loadApp(*configPath)
	if err != nil {
		return err
	}
	store, err := rt.openStore()
	if err != nil {
		return err
	}
	defer rt.closeStore(store)

	token, err := forgetTransfer(ctx, rt, store, *fileName, *transferID)
	if err != nil {
		return err
	}
	fmt.Printf("Forgot transfer %s of %s\n", token.TransferID, token.FileName)
	return nil
}

// forgetTransfer drops the resume state of one transfer and its partial file,
// so the next send of it starts from the first chunk.
func forgetTransfer(ctx context.Context, rt *app, store *storage.Store, fileName, transferID string) (*models.ResumeToken, error) {
	token, err := store.FindResumeToken(ctx, fileName, transferID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("no transfer %q of %q", transferID, fileName)
		}
		return nil, err
	}
	if err := store.DeleteResumeToken(ctx, token.Token); err != nil {
		return nil, err
	}
	if !token.IsCompleted && token.TempPath != "" {
		if err := os.Remove(token.TempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			rt.logger.Warn().Err(err).Str("path", token.TempPath).Msg("remove partial file failed")
		}
	}
	rt.logger.Info().Str("transfer_id", transferID).Str("file", fileName).Bool("completed", token.IsCompleted).Msg("resume state removed")
	return token, nil
}

// readSecret takes the secret from BACKUPXFER_SECRET or the first line of stdin
// so it never appears in process arguments.
func readSecret() (string, error) {
	if secret := os.Getenv("BACKUPXFER_SECRET"); secret != "" {
		return secret, nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read secret from stdin: %w", err)
	}
	secret := strings.TrimRight(line, "\r\n")
	if secret == "" {
		return "", errors.New("secret is empty")
	}
	return secret, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

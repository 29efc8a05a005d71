package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"backupxfer/auth"
	"backupxfer/config"
	"backupxfer/crypto"
	"backupxfer/logging"
	"backupxfer/storage"
)

const usage = `usage: backupxfer <command> [flags]

commands:
  serve      run the receiver
  send       push a backup file to a receiver
  provision  create or update a client credential
  revoke     revoke a client's tokens, optionally disabling it
  forget     drop the resume state of one transfer on the receiver
  discover   list receivers advertised on the local network
  restore    reverse the transform chain of a received file
`

type command func(ctx context.Context, args []string) error

var commands = map[string]command{
	"serve":     runServe,
	"send":      runSend,
	"provision": runProvision,
	"revoke":    runRevoke,
	"forget":    runForget,
	"discover":  runDiscover,
	"restore":   runRestore,
}

// errUsage marks a command line error; the flag package already printed details.
var errUsage = errors.New("invalid usage")

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	run, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[2:])
	stop()

	switch {
	case err == nil:
	case errors.Is(err, errUsage), errors.Is(err, flag.ErrHelp):
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "backupxfer %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

// app is what every command needs after flag parsing.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
}

func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file (default <data dir>/config.yaml)")
	return fs, configPath
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return errUsage
	}
	return nil
}

func loadApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger}, nil
}

func (rt *app) openStore() (*storage.Store, error) {
	store, dbPath, err := storage.Open(rt.cfg.DataDir)
	if err != nil {
		return nil, err
	}
	store.SetAuditRetention(rt.cfg.Auth.AuditRetention)
	rt.logger.Debug().Str("path", dbPath).Msg("database opened")
	return store, nil
}

func (rt *app) closeStore(store *storage.Store) {
	if err := store.Close(); err != nil {
		rt.logger.Error().Err(err).Msg("database close failed")
	}
}

// openGate builds the token manager and authentication gate on top of store.
func (rt *app) openGate(store *storage.Store) (*auth.Gate, *auth.TokenManager, error) {
	signingKey, err := crypto.EnsureSymmetricKey(rt.cfg.SigningKeyPath(), crypto.SigningKeyPEMType)
	if err != nil {
		return nil, nil, fmt.Errorf("prepare signing key: %w", err)
	}
	tokens, err := auth.NewTokenManager(store, signingKey, rt.cfg.Auth.TokenTTL, auth.SystemClock)
	if err != nil {
		return nil, nil, err
	}
	gate := auth.NewGate(store, tokens, store, auth.GateOptions{
		MaxAuthenticationAttempts: rt.cfg.Auth.MaxAuthenticationAttempts,
		LockoutWindow:             rt.cfg.Auth.LockoutWindow,
		BcryptCost:                rt.cfg.Auth.BcryptCost,
		Logger:                    rt.logger,
	})
	return gate, tokens, nil
}

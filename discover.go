package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"backupxfer/crypto"
	"backupxfer/discovery"
)

func runDiscover(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("discover")
	timeout := fs.Duration("timeout", discovery.DefaultScanTimeout, "scan window")
	watch := fs.Bool("watch", false, "keep scanning and print changes until interrupted")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	rt, err := loadApp(*configPath)
	if err != nil {
		return err
	}
	cfg := discovery.Config{ScanTimeout: *timeout}

	if !*watch {
		receivers, err := discovery.Browse(ctx, cfg)
		if err != nil {
			return err
		}
		if len(receivers) == 0 {
			fmt.Println("No receivers found")
			return nil
		}
		for _, receiver := range receivers {
			printReceiver(receiver)
		}
		return nil
	}

	scanner, err := discovery.NewScanner(cfg)
	if err != nil {
		return err
	}
	scanner.Start()
	defer scanner.Stop()
	rt.logger.Info().Dur("scan_timeout", *timeout).Msg("watching for receivers")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-scanner.Events():
			if !ok {
				return nil
			}
			switch event.Type {
			case discovery.EventReceiverUpserted:
				printReceiver(event.Receiver)
			case discovery.EventReceiverRemoved:
				fmt.Printf("- %s (%s) gone at %s\n", event.Receiver.InstanceName, event.Receiver.ReceiverID, time.Now().Format(time.TimeOnly))
			}
		}
	}
}

func printReceiver(r discovery.Receiver) {
	fmt.Printf("+ %s\n", r.InstanceName)
	fmt.Printf("    receiver id:  %s\n", r.ReceiverID)
	fmt.Printf("    address:      %s\n", r.Address())
	if len(r.Addresses) > 1 {
		fmt.Printf("    also at:      %s\n", strings.Join(r.Addresses[1:], ", "))
	}
	fmt.Printf("    fingerprint:  %s\n", crypto.FormatFingerprint(r.Fingerprint))
}

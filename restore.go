package main

import (
	"context"
	"fmt"
	"os"

	"backupxfer/transform"
)

func runRestore(_ context.Context, args []string) error {
	fs, configPath := newFlagSet("restore")
	tag := fs.String("transform", "", "transform chain the file was sent with (default transfer.transform_tag)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(fs.Output(), "restore requires a received file and an output path")
		return errUsage
	}
	src, dst := fs.Arg(0), fs.Arg(1)

	rt, err := loadApp(*configPath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("output %s already exists", dst)
	}

	stage, err := parseStage(rt, firstNonEmpty(*tag, rt.cfg.Transfer.TransformTag))
	if err != nil {
		return err
	}
	if err := transform.ReverseFile(stage, src, dst); err != nil {
		return fmt.Errorf("restore %s: %w", src, err)
	}
	fmt.Printf("Restored %s -> %s (%s)\n", src, dst, stage.Tag())
	return nil
}

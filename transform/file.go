package transform

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ApplyFile runs stage forward over srcPath and writes the result to dstPath.
func ApplyFile(stage Stage, srcPath, dstPath string) error {
	return runFile(stage.Apply, srcPath, dstPath)
}

// ReverseFile undoes stage over srcPath and writes the result to dstPath.
func ReverseFile(stage Stage, srcPath, dstPath string) error {
	return runFile(stage.Reverse, srcPath, dstPath)
}

func runFile(fn func(dst io.Writer, src io.Reader) error, srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", srcPath, err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dstPath), "."+filepath.Base(dstPath)+".*")
	if err != nil {
		return fmt.Errorf("create temp output: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	w := bufio.NewWriterSize(tmp, 1<<20)
	if err := fn(w, bufio.NewReaderSize(src, 1<<20)); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}
	if err := os.Rename(tmpPath, dstPath); err != nil {
		return fmt.Errorf("rename output: %w", err)
	}
	committed = true
	return nil
}

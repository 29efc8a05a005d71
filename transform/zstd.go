package transform

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Zstd compresses with zstandard at the default level.
type Zstd struct {
	Level zstd.EncoderLevel
}

func (Zstd) Tag() string { return TagZstd }

func (z Zstd) Apply(dst io.Writer, src io.Reader) error {
	level := z.Level
	if level == 0 {
		level = zstd.SpeedDefault
	}
	enc, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(level))
	if err != nil {
		return fmt.Errorf("create zstd encoder: %w", err)
	}
	if _, err := io.Copy(enc, src); err != nil {
		enc.Close()
		return fmt.Errorf("compress: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("flush zstd encoder: %w", err)
	}
	return nil
}

func (Zstd) Reverse(dst io.Writer, src io.Reader) error {
	dec, err := zstd.NewReader(src)
	if err != nil {
		return fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()

	if _, err := io.Copy(dst, dec); err != nil {
		return fmt.Errorf("decompress: %w", err)
	}
	return nil
}

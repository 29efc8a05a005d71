// Package transform holds the byte-stream stages a backup passes through
// before it is chunked, and which restore reverses afterwards.
package transform

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/sync/errgroup"
)

const (
	TagIdentity = "identity"
	TagZstd     = "zstd"
	TagAESGCM   = "aes-gcm"

	tagSeparator = "+"
)

// ErrUnknownTag is returned by ParseTag for a stage name it does not know.
var ErrUnknownTag = errors.New("transform: unknown stage tag")

// Stage is one reversible byte-stream transform.
type Stage interface {
	Tag() string
	Apply(dst io.Writer, src io.Reader) error
	Reverse(dst io.Writer, src io.Reader) error
}

// Identity copies bytes unchanged.
type Identity struct{}

func (Identity) Tag() string { return TagIdentity }

func (Identity) Apply(dst io.Writer, src io.Reader) error {
	_, err := io.Copy(dst, src)
	return err
}

func (Identity) Reverse(dst io.Writer, src io.Reader) error {
	_, err := io.Copy(dst, src)
	return err
}

// Chain applies stages left to right and reverses them right to left.
type Chain []Stage

func (c Chain) Tag() string {
	if len(c) == 0 {
		return TagIdentity
	}
	tags := make([]string, len(c))
	for i, s := range c {
		tags[i] = s.Tag()
	}
	return strings.Join(tags, tagSeparator)
}

func (c Chain) Apply(dst io.Writer, src io.Reader) error {
	stages := make([]func(io.Writer, io.Reader) error, len(c))
	for i, s := range c {
		stages[i] = s.Apply
	}
	return pipeline(dst, src, stages)
}

func (c Chain) Reverse(dst io.Writer, src io.Reader) error {
	stages := make([]func(io.Writer, io.Reader) error, len(c))
	for i, s := range c {
		stages[len(c)-1-i] = s.Reverse
	}
	return pipeline(dst, src, stages)
}

// pipeline connects stages with io.Pipe, each running in its own goroutine.
// A stage that stops early closes its input so the producer does not block.
func pipeline(dst io.Writer, src io.Reader, stages []func(io.Writer, io.Reader) error) error {
	switch len(stages) {
	case 0:
		_, err := io.Copy(dst, src)
		return err
	case 1:
		return stages[0](dst, src)
	}

	var g errgroup.Group
	var in io.Reader = src
	var inPipe *io.PipeReader
	for i, stage := range stages {
		stage := stage
		r, rp := in, inPipe
		var w io.Writer = dst
		var wp *io.PipeWriter
		if i < len(stages)-1 {
			inPipe, wp = io.Pipe()
			in, w = inPipe, wp
		}

		g.Go(func() error {
			err := stage(w, r)
			if wp != nil {
				wp.CloseWithError(err)
			}
			if rp != nil {
				if err == nil {
					_, _ = io.Copy(io.Discard, rp)
				}
				rp.CloseWithError(errStageStopped)
			}
			if errors.Is(err, errStageStopped) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

var errStageStopped = errors.New("transform: downstream stage stopped")

// ParseTag builds the stage chain named by tag. key is required only when the
// tag contains aes-gcm.
func ParseTag(tag string, key []byte) (Stage, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" || tag == TagIdentity {
		return Identity{}, nil
	}

	var chain Chain
	for _, name := range strings.Split(tag, tagSeparator) {
		switch strings.TrimSpace(name) {
		case TagIdentity:
		case TagZstd:
			chain = append(chain, Zstd{})
		case TagAESGCM:
			stage, err := NewAESGCM(key, 0)
			if err != nil {
				return nil, err
			}
			chain = append(chain, stage)
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownTag, name)
		}
	}

	switch len(chain) {
	case 0:
		return Identity{}, nil
	case 1:
		return chain[0], nil
	}
	return chain, nil
}

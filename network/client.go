package network

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"backupxfer/crypto"
)

// DialOptions controls how the sender reaches a receiver.
type DialOptions struct {
	// Fingerprint pins the receiver certificate (hex SHA-256, separators allowed).
	Fingerprint string
	// Insecure skips certificate verification entirely.
	Insecure          bool
	ServerName        string
	ConnectionTimeout time.Duration
	FrameTimeout      time.Duration
}

func (o DialOptions) withDefaults(address string) DialOptions {
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = DefaultConnectionTimeout
	}
	if o.FrameTimeout <= 0 {
		o.FrameTimeout = DefaultFrameTimeout
	}
	if o.ServerName == "" {
		if host, _, err := net.SplitHostPort(address); err == nil {
			o.ServerName = host
		}
	}
	return o
}

// Dial opens a TLS connection to a receiver and completes the handshake.
func Dial(ctx context.Context, address string, options DialOptions) (*Conn, error) {
	opts := options.withDefaults(address)

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: opts.ConnectionTimeout, KeepAlive: 30 * time.Second},
		Config:    crypto.ClientTLSConfig(opts.ServerName, opts.Fingerprint, opts.Insecure),
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.ConnectionTimeout)
	defer cancel()

	conn, err := dialer.DialContext(dialCtx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}
	return newConn(conn, opts.FrameTimeout), nil
}

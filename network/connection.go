package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// Conn is a framed record connection. Reads and writes are synchronous; the
// transfer protocol is strictly request/response.
type Conn struct {
	conn         net.Conn
	frameTimeout time.Duration

	sendMu    sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newConn(conn net.Conn, frameTimeout time.Duration) *Conn {
	if frameTimeout <= 0 {
		frameTimeout = DefaultFrameTimeout
	}
	return &Conn{conn: conn, frameTimeout: frameTimeout}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Send marshals record and writes it as one frame.
func (c *Conn) Send(record any) error {
	payload, err := EncodeJSON(record)
	if err != nil {
		return err
	}
	return c.SendRaw(payload)
}

// SendRaw writes a pre-marshaled payload as one frame.
func (c *Conn) SendRaw(payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.frameTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	defer func() {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}()
	return WriteFrame(c.conn, payload)
}

// Receive reads the next frame and its type. An error record is returned as
// *RemoteError.
func (c *Conn) Receive() (string, []byte, error) {
	payload, err := ReadFrameWithTimeout(c.conn, c.frameTimeout)
	if err != nil {
		return "", nil, err
	}
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return "", nil, err
	}
	if msgType == TypeError {
		return msgType, payload, decodeRemoteError(payload)
	}
	return msgType, payload, nil
}

// Expect reads the next frame and decodes it as T, which must arrive with
// the wanted type.
func Expect[T any](c *Conn, want string) (T, error) {
	var zero T
	msgType, payload, err := c.Receive()
	if err != nil {
		return zero, err
	}
	if msgType != want {
		return zero, fmt.Errorf("%w: expected %q, got %q", ErrInvalidMessageType, want, msgType)
	}
	return DecodeRecord[T](payload)
}

// SendError writes an error record. Failures to deliver it are ignored by callers.
func (c *Conn) SendError(code, message string) error {
	return c.Send(ErrorRecord{Type: TypeError, Code: code, Message: message})
}

// Close terminates the connection.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
		if errors.Is(c.closeErr, net.ErrClosed) {
			c.closeErr = nil
		}
	})
	return c.closeErr
}

package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// ErrConnectionClosed is returned by ReadMessage when the remote side hung up
var ErrConnectionClosed = errors.New("connection closed")

// Codec handles message encoding and decoding over a connection
type Codec struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	mu     sync.Mutex
}

// NewCodec creates a new protocol codec
func NewCodec(conn net.Conn) *Codec {
	return &Codec{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
	}
}

// ReadMessage reads a message from the connection
func (c *Codec) ReadMessage() (*Message, error) {
	msg, err := DecodeMessage(c.reader)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrConnectionClosed
		}
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return msg, nil
}

// WriteMessage writes a message to the connection
func (c *Codec) WriteMessage(msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	if _, err := c.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	if err := c.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush message: %w", err)
	}

	return nil
}

// SetDeadline sets the read and write deadline of the underlying connection
func (c *Codec) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// Close closes the codec's connection
func (c *Codec) Close() error {
	return c.conn.Close()
}

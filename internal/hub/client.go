package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// sendQueueSize bounds the per-connection outbound queue. A client that
	// cannot drain this many frames is disconnected rather than allowed to
	// slow other connections.
	sendQueueSize = 64

	writeTimeout = 10 * time.Second
)

// MessageWriter is the transport a Client writes serialized frames to.
// The production implementation wraps a websocket connection; tests supply
// in-memory fakes.
type MessageWriter interface {
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Client is one live duplex connection known to the hub. Frames are queued
// on a bounded channel and written by a single writer goroutine, so a send
// never blocks a broadcaster.
type Client struct {
	id     string
	hub    *Hub
	writer MessageWriter
	out    chan Envelope
	done   chan struct{}
	once   sync.Once
	log    zerolog.Logger
}

// ID returns the connection identifier (used in logs only).
func (c *Client) ID() string {
	return c.id
}

// enqueue offers a frame to the client's outbound queue without blocking.
// A full queue means the client is too slow; the caller disconnects it.
func (c *Client) enqueue(env Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- env:
		return true
	default:
		return false
	}
}

// writeLoop drains the outbound queue onto the transport. Any write error
// cascades to a disconnect.
func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case env := <-c.out:
			data, err := json.Marshal(env)
			if err != nil {
				c.log.Error().Err(err).Str("type", string(env.Type)).Msg("Failed to marshal outbound frame")
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err = c.writer.Write(ctx, data)
			cancel()
			if err != nil {
				c.log.Debug().Err(err).Msg("Write failed, disconnecting client")
				c.hub.Disconnect(c)
				return
			}
		}
	}
}

// close tears down the writer exactly once. Called via hub.Disconnect.
func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.writer.Close()
	})
}

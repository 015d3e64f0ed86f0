package session

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/simctl/internal/protocol"
	"github.com/danmuck/simctl/internal/protocol/wire"
)

var (
	ErrClosed         = errors.New("session: client closed")
	ErrRequestTimeout = errors.New("session: request timed out")
)

// Config tunes one client connection.
type Config struct {
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	EventBuffer    int
	Limits         wire.Limits
}

func DefaultConfig() Config {
	return Config{
		DialTimeout:    5 * time.Second,
		RequestTimeout: 5 * time.Second,
		EventBuffer:    256,
		Limits:         wire.DefaultLimits(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
	if c.Limits.MaxMessageBytes == 0 {
		c.Limits = def.Limits
	}
	return c
}

// Client is a synchronous protocol client. Requests are correlated to
// responses by envelope id; push events surface on the Events feed. The
// write path is serialized internally, so concurrent Sends are safe even
// though the harness session never issues them.
type Client struct {
	conn net.Conn
	cfg  Config

	wmu sync.Mutex // serializes frame writes

	mu      sync.Mutex
	pending map[uint64]chan protocol.Response

	nextID atomic.Uint64
	closed atomic.Bool
	stop   chan struct{}
	done   chan struct{}
	events chan protocol.Event
}

// Dial connects to an engine endpoint and starts the reader.
func Dial(addr string, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	conn, err := net.DialTimeout("tcp", addr, cfg.DialTimeout)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:    conn,
		cfg:     cfg,
		pending: make(map[uint64]chan protocol.Response),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		events:  make(chan protocol.Event, cfg.EventBuffer),
	}
	go c.readLoop()
	return c, nil
}

// Events is the subscription feed of server push events. The channel
// closes when the connection closes.
func (c *Client) Events() <-chan protocol.Event {
	return c.events
}

// IsConnected reports whether the connection is still usable.
func (c *Client) IsConnected() bool {
	return !c.closed.Load()
}

// Send writes one request and blocks for its response.
func (c *Client) Send(req protocol.Request) (protocol.Response, error) {
	if c.closed.Load() {
		return protocol.Response{}, ErrClosed
	}

	id := c.nextID.Add(1)
	ch := make(chan protocol.Response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer c.forget(id)

	msg, err := wire.EncodePayload(protocol.RequestEnvelope{ID: id, Payload: req})
	if err != nil {
		return protocol.Response{}, err
	}
	c.wmu.Lock()
	err = wire.WriteMessage(c.conn, msg, c.cfg.Limits)
	c.wmu.Unlock()
	if err != nil {
		if c.closed.Load() {
			return protocol.Response{}, ErrClosed
		}
		return protocol.Response{}, err
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-c.done:
		return protocol.Response{}, ErrClosed
	case <-timer.C:
		return protocol.Response{}, ErrRequestTimeout
	}
}

// Close tears the connection down and waits for the reader to finish.
// Safe to call more than once, and safe even when the caller stopped
// draining Events: the stop signal releases a reader blocked on event
// delivery.
func (c *Client) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		close(c.stop)
	}
	_ = c.conn.Close()
	<-c.done
	return nil
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	defer func() {
		c.closed.Store(true)
		_ = c.conn.Close()
		c.mu.Lock()
		c.pending = make(map[uint64]chan protocol.Response)
		c.mu.Unlock()
		close(c.done)
		close(c.events)
	}()

	for {
		msg, err := wire.ReadMessage(c.conn, c.cfg.Limits)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !c.closed.Load() {
				log.Debug().Err(err).Msg("session.readLoop terminated")
			}
			return
		}

		sm, err := protocol.DecodeServerMessage(msg.Payload)
		if err != nil {
			// Undecodable traffic is a protocol violation; drop the link.
			log.Debug().Err(err).Msg("session.readLoop protocol violation")
			return
		}

		switch {
		case sm.Response != nil:
			c.mu.Lock()
			ch, ok := c.pending[sm.Response.ID]
			if ok {
				delete(c.pending, sm.Response.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- sm.Response.Payload
			}
		case sm.Event != nil:
			select {
			case c.events <- *sm.Event:
			case <-c.stop:
				return
			}
		}
	}
}

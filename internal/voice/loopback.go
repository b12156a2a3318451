package voice

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Join records one successful LoopbackGateway.Join call.
type Join struct {
	Room      string
	Target    string
	SessionID string
}

// LoopbackGateway paces audio in real time and discards it. It has no
// network dependency.
type LoopbackGateway struct {
	frameDuration time.Duration

	mu      sync.Mutex
	joinErr error
	joins   []Join
	conns   []*LoopbackConnection
}

func NewLoopbackGateway(frameDuration time.Duration) *LoopbackGateway {
	return &LoopbackGateway{frameDuration: frameDuration}
}

// FailJoins makes subsequent joins return err until called with nil.
func (g *LoopbackGateway) FailJoins(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.joinErr = err
}

func (g *LoopbackGateway) Join(ctx context.Context, room, target string) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.joinErr != nil {
		return nil, g.joinErr
	}
	conn := &LoopbackConnection{frameDuration: g.frameDuration}
	g.joins = append(g.joins, Join{Room: room, Target: target, SessionID: uuid.NewString()})
	g.conns = append(g.conns, conn)
	return conn, nil
}

func (g *LoopbackGateway) Joins() []Join {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Join(nil), g.joins...)
}

// Connections returns every connection opened so far, oldest first.
func (g *LoopbackGateway) Connections() []*LoopbackConnection {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*LoopbackConnection(nil), g.conns...)
}

type LoopbackConnection struct {
	frameDuration time.Duration

	mu     sync.Mutex
	bytes  int
	writes int
	closed bool
}

func (c *LoopbackConnection) Sink() Sink { return c }

func (c *LoopbackConnection) Write(ctx context.Context, audio Audio) error {
	err := pace(ctx, audio, c.frameDuration, func(frame []byte) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return ErrClosed
		}
		c.bytes += len(frame)
		return nil
	})
	if err == nil {
		c.mu.Lock()
		c.writes++
		c.mu.Unlock()
	}
	return err
}

func (c *LoopbackConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *LoopbackConnection) Bytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

func (c *LoopbackConnection) Writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

func (c *LoopbackConnection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

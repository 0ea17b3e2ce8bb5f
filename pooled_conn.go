package email

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Session is the part of an established SMTP session a Pool drives.  *Client
// implements it.
type Session interface {
	SendMail(ctx context.Context, e *Email) (msgID string, err error)
	Reset(ctx context.Context) error
	Quit() error
}

// DialFunc opens one fully handshaken session.
type DialFunc func(ctx context.Context) (Session, error)

type ConnState uint8

const (
	ConnIdle ConnState = iota
	ConnBusy
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnIdle:
		return "idle"
	case ConnBusy:
		return "busy"
	case ConnClosed:
		return "closed"
	}
	return "ConnState(" + strconv.Itoa(int(s)) + ")"
}

/*
PooledConnection owns exactly one Session.  It is handed to one caller at a
time by Pool.Acquire and must be given back with Pool.Release.

	Busy -> Idle     released with capacity left
	Busy -> Closed   send error, message cap reached, or pool closed
	Idle -> Busy     reused by Acquire
	Idle -> Closed   idle timeout or pool closed
*/
type PooledConnection struct {
	id   string
	sess Session
	pool *Pool

	// guarded by pool.mu
	state        ConnState
	messageCount int
	createdAt    time.Time
	lastUsedAt   time.Time
	idleGen      uint64
	idleTimer    *time.Timer
}

func newPooledConnection(p *Pool, sess Session) *PooledConnection {
	now := time.Now()
	return &PooledConnection{
		id:         uuid.NewString(),
		sess:       sess,
		pool:       p,
		state:      ConnBusy,
		createdAt:  now,
		lastUsedAt: now,
	}
}

func (pc *PooledConnection) ID() string { return pc.id }

func (pc *PooledConnection) State() ConnState {
	pc.pool.mu.Lock()
	defer pc.pool.mu.Unlock()
	return pc.state
}

// MessageCount is the number of messages submitted over this connection.
func (pc *PooledConnection) MessageCount() int {
	pc.pool.mu.Lock()
	defer pc.pool.mu.Unlock()
	return pc.messageCount
}

func (pc *PooledConnection) CreatedAt() time.Time {
	pc.pool.mu.Lock()
	defer pc.pool.mu.Unlock()
	return pc.createdAt
}

func (pc *PooledConnection) LastUsedAt() time.Time {
	pc.pool.mu.Lock()
	defer pc.pool.mu.Unlock()
	return pc.lastUsedAt
}

// Send transmits one message.  The connection must be held (Busy).
func (pc *PooledConnection) Send(ctx context.Context, e *Email) (string, error) {

	p := pc.pool

	p.mu.Lock()
	if pc.state != ConnBusy {
		p.mu.Unlock()
		return "", ErrNotConnected
	}
	pc.messageCount++
	pc.lastUsedAt = time.Now()
	p.mu.Unlock()

	msgID, E := pc.sess.SendMail(ctx, e)
	if E != nil {
		return "", E
	}

	p.mu.Lock()
	p.sent++
	p.mu.Unlock()

	return msgID, nil
}

// stopIdleLocked invalidates any pending idle expiry.
func (pc *PooledConnection) stopIdleLocked() {
	pc.idleGen++
	if pc.idleTimer != nil {
		pc.idleTimer.Stop()
		pc.idleTimer = nil
	}
}

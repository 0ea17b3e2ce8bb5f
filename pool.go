package email

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultMaxConnections = 5
	DefaultMaxMessages    = 100
	DefaultRateDelta      = time.Second
	DefaultIdleTimeout    = 30 * time.Second
)

// PoolOptions configures one Pool.  Zero values take the package defaults;
// RateLimit 0 disables acquisition throttling.
type PoolOptions struct {
	MaxConnections int           // live connections per key
	MaxMessages    int           // messages per connection before it is recycled
	RateDelta      time.Duration // rate window length
	RateLimit      int           // acquisitions admitted per window
	IdleTimeout    time.Duration // idle connections are closed after this
}

func (o PoolOptions) withDefaults() PoolOptions {
	if o.MaxConnections <= 0 {
		o.MaxConnections = DefaultMaxConnections
	}
	if o.MaxMessages <= 0 {
		o.MaxMessages = DefaultMaxMessages
	}
	if o.RateDelta <= 0 {
		o.RateDelta = DefaultRateDelta
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	return o
}

// PoolStats is a point-in-time snapshot of a Pool.
type PoolStats struct {
	ActiveConnections int    // open connections, idle or busy
	IdleConnections   int    // open connections waiting for reuse
	QueuedRequests    int    // Acquire calls waiting for a slot
	MessagesSent      uint64 // messages accepted by the server
	MaxConnections    int
}

// grant is what a queued Acquire receives: a connection handed over by
// Release, a reserved slot to dial into (pc == nil), or an error.
type grant struct {
	pc  *PooledConnection
	err error
}

/*
Pool reuses authenticated sessions to one endpoint (host:port:user).

Acquisition order:
 1. pass the fixed-window rate limiter
 2. reuse an idle connection (after a successful RSET)
 3. dial a new connection while fewer than MaxConnections are open
 4. otherwise wait, FIFO, until Release or a closing connection frees a slot

The wait queue is unbounded; bound individual waits with the context.
*/
type Pool struct {
	key     string
	dial    DialFunc
	opts    PoolOptions
	log     *zap.Logger
	limiter *windowLimiter

	mu      sync.Mutex
	conns   map[*PooledConnection]struct{}
	idle    []*PooledConnection
	dialing int
	waiters *list.List // of chan grant
	closed  bool
	sent    uint64
}

// NewPool returns an empty pool; connections are dialed on demand.
func NewPool(key string, dial DialFunc, opts PoolOptions, log *zap.Logger) *Pool {

	if log == nil {
		log = zap.NewNop()
	}

	opts = opts.withDefaults()

	return &Pool{
		key:     key,
		dial:    dial,
		opts:    opts,
		log:     log.With(zap.String("pool", key)),
		limiter: newWindowLimiter(opts.RateDelta, opts.RateLimit),
		conns:   make(map[*PooledConnection]struct{}),
		waiters: list.New(),
	}
}

func (p *Pool) Key() string { return p.key }

func (p *Pool) Options() PoolOptions { return p.opts }

// Acquire returns a Busy connection owned by the caller until Release.
func (p *Pool) Acquire(ctx context.Context) (*PooledConnection, error) {

	p.mu.Lock()
	bClosed := p.closed
	p.mu.Unlock()
	if bClosed {
		return nil, ErrPoolClosed
	}

	if E := p.limiter.Wait(ctx); E != nil {
		return nil, E
	}

	for {

		p.mu.Lock()

		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		// REUSE IDLE
		if n := len(p.idle); n > 0 {

			pc := p.idle[n-1]
			p.idle = p.idle[:n-1]
			pc.stopIdleLocked()
			pc.state = ConnBusy
			p.mu.Unlock()

			if E := pc.sess.Reset(ctx); E != nil {
				p.log.Debug("discarding stale connection", zap.String("conn", pc.id), zap.Error(E))
				p.discard(pc)
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				continue
			}

			p.log.Debug("reusing connection", zap.String("conn", pc.id))
			return pc, nil
		}

		// DIAL NEW
		if p.activeLocked() < p.opts.MaxConnections {
			p.dialing++
			p.mu.Unlock()
			return p.open(ctx)
		}

		// QUEUE
		ch := make(chan grant, 1)
		el := p.waiters.PushBack(ch)
		nQueued := p.waiters.Len()
		p.mu.Unlock()

		p.log.Debug("waiting for connection slot", zap.Int("queued", nQueued))

		select {
		case g := <-ch:
			return p.accept(ctx, g)

		case <-ctx.Done():
			p.mu.Lock()
			select {
			case g := <-ch:
				p.mu.Unlock()
				p.giveBack(g)
			default:
				p.waiters.Remove(el)
				p.mu.Unlock()
			}
			return nil, ctx.Err()
		}
	}
}

func (p *Pool) activeLocked() int {
	return len(p.conns) + p.dialing
}

// open dials into a slot already counted in p.dialing.
func (p *Pool) open(ctx context.Context) (*PooledConnection, error) {

	sess, E := p.dial(ctx)

	p.mu.Lock()
	p.dialing--

	if E != nil {
		p.slotFreedLocked()
		p.mu.Unlock()
		p.log.Debug("dial failed", zap.Error(E))
		return nil, E
	}

	if p.closed {
		p.mu.Unlock()
		sess.Quit()
		return nil, ErrPoolClosed
	}

	pc := newPooledConnection(p, sess)
	p.conns[pc] = struct{}{}
	p.mu.Unlock()

	p.log.Debug("connection opened", zap.String("conn", pc.id))
	return pc, nil
}

func (p *Pool) accept(ctx context.Context, g grant) (*PooledConnection, error) {

	switch {
	case g.err != nil:
		return nil, g.err
	case g.pc != nil:
		return g.pc, nil
	}

	return p.open(ctx)
}

// giveBack returns a grant that arrived after its waiter gave up.  A
// connection handed over before Close is closed rather than parked.
func (p *Pool) giveBack(g grant) {

	switch {
	case g.err != nil:
	case g.pc != nil:
		p.mu.Lock()
		if p.closed {
			p.closeLocked(g.pc)
			p.mu.Unlock()
			g.pc.sess.Quit()
			return
		}
		p.idleLocked(g.pc)
		p.mu.Unlock()
	default:
		p.mu.Lock()
		p.dialing--
		p.slotFreedLocked()
		p.mu.Unlock()
	}
}

// slotFreedLocked lets the longest waiting Acquire dial into a free slot.
func (p *Pool) slotFreedLocked() {

	if p.closed || (p.activeLocked() >= p.opts.MaxConnections) {
		return
	}

	if el := p.waiters.Front(); el != nil {
		p.waiters.Remove(el)
		p.dialing++
		el.Value.(chan grant) <- grant{}
	}
}

// idleLocked hands pc to the longest waiting Acquire, or parks it as Idle
// with an expiry timer.
func (p *Pool) idleLocked(pc *PooledConnection) {

	if el := p.waiters.Front(); el != nil {
		p.waiters.Remove(el)
		pc.state = ConnBusy
		el.Value.(chan grant) <- grant{pc: pc}
		return
	}

	pc.state = ConnIdle
	pc.stopIdleLocked()
	gen := pc.idleGen
	pc.idleTimer = time.AfterFunc(p.opts.IdleTimeout, func() { p.expire(pc, gen) })
	p.idle = append(p.idle, pc)
}

func (p *Pool) expire(pc *PooledConnection, gen uint64) {

	p.mu.Lock()
	if (pc.state != ConnIdle) || (pc.idleGen != gen) {
		p.mu.Unlock()
		return
	}
	p.removeIdleLocked(pc)
	p.closeLocked(pc)
	p.mu.Unlock()

	p.log.Debug("idle connection expired", zap.String("conn", pc.id))
	pc.sess.Quit()
}

func (p *Pool) removeIdleLocked(pc *PooledConnection) {
	for ix, v := range p.idle {
		if v == pc {
			p.idle = append(p.idle[:ix], p.idle[ix+1:]...)
			return
		}
	}
}

// closeLocked forgets pc and frees its slot; the caller quits the session
// after unlocking.
func (p *Pool) closeLocked(pc *PooledConnection) {
	pc.stopIdleLocked()
	pc.state = ConnClosed
	delete(p.conns, pc)
	p.slotFreedLocked()
}

func (p *Pool) discard(pc *PooledConnection) {
	p.mu.Lock()
	p.closeLocked(pc)
	p.mu.Unlock()
	pc.sess.Quit()
}

/*
Release returns a connection obtained from Acquire.  The connection is closed
when sendErr is non-nil, when it has carried MaxMessages messages, or when the
pool has been closed; otherwise it goes to the next waiter or becomes Idle.
*/
func (p *Pool) Release(pc *PooledConnection, sendErr error) {

	if (pc == nil) || (pc.pool != p) {
		return
	}

	p.mu.Lock()

	if pc.state != ConnBusy {
		p.mu.Unlock()
		return
	}

	if (sendErr != nil) || p.closed || (pc.messageCount >= p.opts.MaxMessages) {
		nCount := pc.messageCount
		p.closeLocked(pc)
		p.mu.Unlock()

		p.log.Debug("connection recycled",
			zap.String("conn", pc.id),
			zap.Int("messages", nCount),
			zap.Error(sendErr),
		)
		pc.sess.Quit()
		return
	}

	p.idleLocked(pc)
	p.mu.Unlock()
}

// Send acquires a connection, transmits e and releases the connection on
// every path.
func (p *Pool) Send(ctx context.Context, e *Email) (string, error) {

	pc, E := p.Acquire(ctx)
	if E != nil {
		return "", E
	}

	msgID, E := pc.Send(ctx, e)
	p.Release(pc, E)
	return msgID, E
}

/*
Close marks the pool closed, rejects every queued Acquire with ErrPoolClosed,
and closes all idle connections.  Connections currently held by callers are
closed when released.  Later Acquire calls fail immediately.
*/
func (p *Pool) Close() error {

	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	for el := p.waiters.Front(); el != nil; el = el.Next() {
		el.Value.(chan grant) <- grant{err: ErrPoolClosed}
	}
	nRejected := p.waiters.Len()
	p.waiters.Init()

	sIdle := p.idle
	p.idle = nil
	for _, pc := range sIdle {
		pc.stopIdleLocked()
		pc.state = ConnClosed
		delete(p.conns, pc)
	}

	p.mu.Unlock()

	for _, pc := range sIdle {
		pc.sess.Quit()
	}

	p.log.Info("pool closed", zap.Int("closed_idle", len(sIdle)), zap.Int("rejected_waiters", nRejected))
	return nil
}

// Stats returns a snapshot; it does not change the pool.
func (p *Pool) Stats() PoolStats {

	p.mu.Lock()
	defer p.mu.Unlock()

	return PoolStats{
		ActiveConnections: len(p.conns),
		IdleConnections:   len(p.idle),
		QueuedRequests:    p.waiters.Len(),
		MessagesSent:      p.sent,
		MaxConnections:    p.opts.MaxConnections,
	}
}

package email

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Registry maps endpoint keys (host:port:user) to pools.  Pools are created
// on first use of a key and live until Close.
type Registry struct {
	log *zap.Logger

	mu     sync.Mutex
	pools  map[string]*Pool
	closed bool
}

func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		log:   log,
		pools: make(map[string]*Pool),
	}
}

// Pool returns the pool for cfg.PoolKey(), creating it with opts on first
// use.  Options passed for an existing key are ignored.
func (r *Registry) Pool(cfg ConnectionConfig, opts PoolOptions) (*Pool, error) {

	cfg = cfg.WithDefaults()
	key := cfg.PoolKey()

	return r.poolFor(key, opts, func(ctx context.Context) (Session, error) {
		pCli, E := cfg.Dial(ctx)
		if E != nil {
			return nil, E
		}
		return pCli, nil
	})
}

func (r *Registry) poolFor(key string, opts PoolOptions, dial DialFunc) (*Pool, error) {

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrPoolClosed
	}

	if p, ok := r.pools[key]; ok {
		return p, nil
	}

	p := NewPool(key, dial, opts, r.log)
	r.pools[key] = p
	r.log.Debug("pool created", zap.String("pool", key))
	return p, nil
}

// Stats returns a snapshot per key.
func (r *Registry) Stats() map[string]PoolStats {

	r.mu.Lock()
	sPools := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		sPools = append(sPools, p)
	}
	r.mu.Unlock()

	mStats := make(map[string]PoolStats, len(sPools))
	for _, p := range sPools {
		mStats[p.Key()] = p.Stats()
	}
	return mStats
}

// Close closes every registered pool; later Pool calls fail with
// ErrPoolClosed.
func (r *Registry) Close() error {

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	mPools := r.pools
	r.pools = make(map[string]*Pool)
	r.mu.Unlock()

	for _, p := range mPools {
		p.Close()
	}

	r.log.Info("all pools closed", zap.Int("pools", len(mPools)))
	return nil
}

package email

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRegistryPoolPerKey(t *testing.T) {

	r := NewRegistry(zaptest.NewLogger(t))
	defer r.Close()

	cfg := ConnectionConfig{Host: "smtp.test.com", Auth: BasicAuth("a@test.com", "pw", MechLOGIN)}

	p1, err := r.Pool(cfg, PoolOptions{MaxConnections: 2})
	require.NoError(t, err)
	assert.Equal(t, "smtp.test.com:587:a@test.com", p1.Key())
	assert.Equal(t, 2, p1.Options().MaxConnections)

	// same key, options of the existing pool win
	p2, err := r.Pool(cfg, PoolOptions{MaxConnections: 9})
	require.NoError(t, err)
	assert.Same(t, p1, p2)
	assert.Equal(t, 2, p2.Options().MaxConnections)

	cfg.Auth = BasicAuth("b@test.com", "pw", MechLOGIN)
	p3, err := r.Pool(cfg, PoolOptions{})
	require.NoError(t, err)
	assert.NotSame(t, p1, p3)

	cfg.Auth = nil
	cfg.Port = 465
	p4, err := r.Pool(cfg, PoolOptions{})
	require.NoError(t, err)
	assert.Equal(t, "smtp.test.com:465:", p4.Key())

	mStats := r.Stats()
	assert.Len(t, mStats, 3)
	assert.Contains(t, mStats, "smtp.test.com:587:b@test.com")
	assert.Equal(t, 0, mStats["smtp.test.com:587:a@test.com"].ActiveConnections)
}

func TestRegistryCloseClosesPools(t *testing.T) {

	r := NewRegistry(nil)
	d := &fakeDialer{}

	p, err := r.poolFor("mx.test.com:25:", PoolOptions{}, d.Dial)
	require.NoError(t, err)

	_, err = p.Send(context.Background(), scenarioB())
	require.NoError(t, err)
	assert.Equal(t, PoolStats{
		ActiveConnections: 1,
		IdleConnections:   1,
		MessagesSent:      1,
		MaxConnections:    DefaultMaxConnections,
	}, r.Stats()["mx.test.com:25:"])

	require.NoError(t, r.Close())
	assert.Equal(t, 1, d.Session(0).Quits())
	assert.Empty(t, r.Stats())

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)

	_, err = r.poolFor("mx.test.com:25:", PoolOptions{}, d.Dial)
	assert.ErrorIs(t, err, ErrPoolClosed)

	assert.NoError(t, r.Close())
}

func TestRegistryPoolDialsThroughClient(t *testing.T) {

	srv := newFakeSMTP(t, nil)

	r := NewRegistry(zaptest.NewLogger(t))
	defer r.Close()

	cfg := srv.config()
	cfg.Auth = BasicAuth("user@test.com", "secret", MechPLAIN)

	p, err := r.Pool(cfg, PoolOptions{MaxConnections: 1})
	require.NoError(t, err)

	ctx := context.Background()
	for ix := 0; ix < 3; ix++ {
		_, err := p.Send(ctx, scenarioB())
		require.NoError(t, err)
	}

	assert.Equal(t, 1, srv.Accepted())
	assert.Len(t, srv.CommandsWithPrefix("AUTH"), 1)
	assert.Len(t, srv.CommandsWithPrefix("RSET"), 2)
	assert.Len(t, srv.Messages(), 3)
}

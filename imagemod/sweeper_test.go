package imagemod

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/amialone/moderation/ledger"
	"github.com/amialone/moderation/objstore"
	"github.com/amialone/moderation/visual"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (e *testEnv) enqueue(t *testing.T, subject, assetID string, data []byte) string {
	path := objstore.BuildPath(objstore.StageQueued, subject, assetID, "")
	require.NoError(t, e.store.Put(context.Background(), path, data, "image/jpeg"))
	return path
}

func TestSweepRecovers(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	env := newTestEnv(t, clean())
	img := testJPEG(t, 32, 32)
	env.enqueue(t, "u1", "a.jpg", img)
	env.enqueue(t, "u2", "b.jpg", img)

	sw := NewSweeper(env.pipeline)
	stats, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(2, stats.Listed)
	assert.Equal(2, stats.Processed)
	assert.True(env.exists("approved/u1/a.jpg"))
	assert.True(env.exists("approved/u2/b.jpg"))

	left, err := env.store.List(ctx, objstore.StageQueued.Prefix())
	assert.NoError(err)
	assert.Empty(left)
}

func TestSweepStillFailing(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	env := newTestEnv(t, clean())
	env.classifier.Err = errors.New("connection refused")
	env.classifier.FailFirst = -1
	path := env.enqueue(t, "u1", "a.jpg", testJPEG(t, 32, 32))

	sw := NewSweeper(env.pipeline)
	stats, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(1, stats.StillQueued)
	assert.True(env.exists(path))

	// queued decisions are recorded on every pass, the asset stays put
	decisions, err := env.ledger.ListDecisions(ctx, "u1", 0)
	assert.NoError(err)
	assert.Len(decisions, 1)
	assert.Equal(ledger.ActionQueued, decisions[0].Action)
}

func TestSweepBlocks(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	scores := clean()
	scores[visual.CategoryViolence] = visual.VeryLikely
	env := newTestEnv(t, scores)
	path := env.enqueue(t, "u1", "a.jpg", testJPEG(t, 32, 32))

	stats, err := NewSweeper(env.pipeline).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(1, stats.Processed)
	assert.False(env.exists(path))

	v, err := env.ledger.GetViolations(ctx, "u1")
	assert.NoError(err)
	assert.Equal(1, v.Count)
}

func TestSweepDeadLetter(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	env := newTestEnv(t, clean())
	env.classifier.Err = errors.New("connection refused")
	env.classifier.FailFirst = -1
	path := env.enqueue(t, "u1", "a.jpg", testJPEG(t, 32, 32))

	sw := NewSweeper(env.pipeline)
	sw.MaxAttempts = 2
	for i := 0; i < 2; i++ {
		stats, err := sw.SweepOnce(ctx)
		require.NoError(t, err)
		assert.Equal(1, stats.StillQueued)
	}
	calls := env.classifier.Calls()

	stats, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(1, stats.DeadLettered)
	assert.Equal(calls, env.classifier.Calls())
	assert.False(env.exists(path))
	assert.True(env.exists("deadletter/u1/a.jpg"))
	assert.False(env.exists("approved/u1/a.jpg"))

	decisions, err := env.ledger.ListDecisions(ctx, "u1", 0)
	assert.NoError(err)
	require.NotEmpty(t, decisions)
	assert.Equal("requeue attempts exhausted after 2 attempts", decisions[0].Reason)

	stats, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(0, stats.Listed)
}

func TestSweepCap(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	env := newTestEnv(t, clean())
	env.pipeline.Transformer = nil
	data := []byte("raw")
	for i := 0; i < 7; i++ {
		env.enqueue(t, "u1", fmt.Sprintf("img%02d", i), data)
	}

	sw := NewSweeper(env.pipeline)
	sw.MaxPerRun = 5
	stats, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(5, stats.Listed)
	assert.Equal(5, stats.Processed)

	left, err := env.store.List(ctx, objstore.StageQueued.Prefix())
	assert.NoError(err)
	assert.Len(left, 2)
}

type flakyStore struct {
	objstore.Store
	broken string
}

func (s *flakyStore) Get(ctx context.Context, path string) ([]byte, error) {
	if path == s.broken {
		return nil, errors.New("read timeout")
	}
	return s.Store.Get(ctx, path)
}

func TestSweepIsolatesFailures(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	env := newTestEnv(t, clean())
	img := testJPEG(t, 32, 32)
	bad := env.enqueue(t, "u1", "bad.jpg", img)
	env.enqueue(t, "u1", "good.jpg", img)
	env.pipeline.Store = &flakyStore{Store: env.store, broken: bad}

	stats, err := NewSweeper(env.pipeline).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(1, stats.Failed)
	assert.Equal(1, stats.Processed)
	assert.True(env.exists(bad))
	assert.True(env.exists("approved/u1/good.jpg"))
}

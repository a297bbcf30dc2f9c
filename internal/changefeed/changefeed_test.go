package changefeed

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themisdb/themisdb/internal/kv"
	"github.com/themisdb/themisdb/internal/types"
)

func newTestManager(t *testing.T) (*Manager, kv.Engine) {
	t.Helper()
	e, err := kv.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	m, err := New(context.Background(), e, nil)
	require.NoError(t, err)
	return m, e
}

func TestAppendCommitAssignsSequenceAndTrailingTxCommit(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	err := m.AppendCommit(ctx, "tx1", []types.ChangeEvent{
		{Type: types.ChangePut, Key: "relational:accounts:a1"},
		{Type: types.ChangeDelete, Key: "relational:accounts:a2"},
	})
	require.NoError(t, err)

	events, err := m.List(ctx, 0, 10, "", "", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(1), events[0].Sequence)
	assert.Equal(t, uint64(2), events[1].Sequence)
	assert.Equal(t, uint64(3), events[2].Sequence)
	assert.Equal(t, types.ChangeTxCommit, events[2].Type)
	assert.Equal(t, "tx1", events[2].Key)
}

func TestAppendRollbackAppendsSingleEvent(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	require.NoError(t, m.AppendRollback(ctx, "tx2"))

	events, err := m.List(ctx, 0, 10, "", "", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.ChangeTxRollback, events[0].Type)
	assert.Equal(t, "tx2", events[0].Key)
}

func TestListReturnsOnlyEventsAfterFromSeq(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	require.NoError(t, m.AppendCommit(ctx, "tx1", []types.ChangeEvent{{Type: types.ChangePut, Key: "k1"}}))
	require.NoError(t, m.AppendCommit(ctx, "tx2", []types.ChangeEvent{{Type: types.ChangePut, Key: "k2"}}))

	events, err := m.List(ctx, 2, 10, "", "", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Greater(t, e.Sequence, uint64(2))
	}
}

func TestListFiltersByKeyPrefixAndType(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	require.NoError(t, m.AppendCommit(ctx, "tx1", []types.ChangeEvent{
		{Type: types.ChangePut, Key: "relational:accounts:a1"},
		{Type: types.ChangePut, Key: "document:notes:n1"},
	}))

	events, err := m.List(ctx, 0, 10, "relational:", "", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "relational:accounts:a1", events[0].Key)

	events, err = m.List(ctx, 0, 10, "", types.ChangeTxCommit, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.ChangeTxCommit, events[0].Type)
}

func TestListLongPollReturnsWhenEventAppended(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(30 * time.Millisecond)
		_ = m.AppendCommit(ctx, "tx1", []types.ChangeEvent{{Type: types.ChangePut, Key: "k1"}})
	}()

	events, err := m.List(ctx, 0, 10, "", "", 2000)
	require.NoError(t, err)
	require.Len(t, events, 2)
	wg.Wait()
}

func TestListLongPollTimesOutEmpty(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	start := time.Now()
	events, err := m.List(ctx, 0, 10, "", "", 50)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.GreaterOrEqual(t, time.Since(start), 45*time.Millisecond)
}

func TestDeleteBeforeRemovesOlderEvents(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, m.AppendCommit(ctx, "tx", []types.ChangeEvent{{Type: types.ChangePut, Key: "k"}}))
	}
	// Each commit appends 2 events (1 PUT + 1 TX_COMMIT), so seq runs 1..10.
	n, err := m.DeleteBefore(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	events, err := m.List(ctx, 0, 100, "", "", 0)
	require.NoError(t, err)
	for _, e := range events {
		assert.GreaterOrEqual(t, e.Sequence, uint64(6))
	}
}

func TestSequenceSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	m, e := newTestManager(t)
	require.NoError(t, m.AppendCommit(ctx, "tx1", []types.ChangeEvent{{Type: types.ChangePut, Key: "k1"}}))

	m2, err := New(ctx, e, nil)
	require.NoError(t, err)
	require.NoError(t, m2.AppendCommit(ctx, "tx2", []types.ChangeEvent{{Type: types.ChangePut, Key: "k2"}}))

	events, err := m2.List(ctx, 0, 100, "", "", 0)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, uint64(4), events[3].Sequence)
}

func TestParseRetentionWindow(t *testing.T) {
	d, err := ParseRetentionWindow("24 hours ago")
	require.NoError(t, err)
	assert.InDelta(t, (24 * time.Hour).Seconds(), d.Seconds(), 5)

	_, err = ParseRetentionWindow("not a time expression at all")
	assert.Error(t, err)
}

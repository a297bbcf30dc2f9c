package txn

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/themisdb/themisdb/internal/graphidx"
	"github.com/themisdb/themisdb/internal/kv"
	"github.com/themisdb/themisdb/internal/kverr"
	"github.com/themisdb/themisdb/internal/secindex"
	"github.com/themisdb/themisdb/internal/telemetry"
	"github.com/themisdb/themisdb/internal/types"
	"github.com/themisdb/themisdb/internal/vectoridx"
)

// Stats reports transaction manager counters (spec §4.6).
type Stats struct {
	Begun         uint64
	Committed     uint64
	Aborted       uint64
	Active        int
	AvgDurationMs float64
	MaxDurationMs float64
}

// Manager begins, tracks, and janitors transactions (spec §4.6). It is
// the sole entry point for obtaining a *Transaction; every index manager
// it coordinates is injected rather than constructed internally.
type Manager struct {
	engine kv.Engine
	secIdx *secindex.Manager
	graph  *graphidx.Manager
	vecIdx *vectoridx.Manager

	changefeed ChangefeedAppender
	telemetry  telemetry.Sink

	mu        sync.Mutex
	active    map[string]*Transaction
	completed []completedRecord

	begun     uint64
	committed uint64
	aborted   uint64

	evictedTotal  uint64
	lastEvictedAt time.Time
}

type completedRecord struct {
	finishedAt time.Time
	durationMs float64
}

// New returns a Manager coordinating writes across engine and the given
// index managers. changefeed may be nil; if so, commits skip step 4 of
// spec §4.6 (no changefeed wired yet).
func New(engine kv.Engine, secIdx *secindex.Manager, graph *graphidx.Manager, vecIdx *vectoridx.Manager, changefeed ChangefeedAppender) *Manager {
	return &Manager{
		engine:     engine,
		secIdx:     secIdx,
		graph:      graph,
		vecIdx:     vecIdx,
		changefeed: changefeed,
		telemetry:  telemetry.Noop,
		active:     make(map[string]*Transaction),
	}
}

// SetChangefeed wires the changefeed appender after construction, for
// callers that build the transaction manager before the changefeed
// (avoids a constructor cycle between the two packages).
func (m *Manager) SetChangefeed(c ChangefeedAppender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changefeed = c
}

// SetTelemetry wires the observability sink after construction, mirroring
// SetChangefeed; components built before telemetry is set fall back to
// telemetry.Noop and never need a nil check.
func (m *Manager) SetTelemetry(s telemetry.Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s == nil {
		s = telemetry.Noop
	}
	m.telemetry = s
}

// Begin opens a new transaction at the given isolation level (spec
// §4.6).
func (m *Manager) Begin(ctx context.Context, isolation types.IsolationLevel) (*Transaction, error) {
	_, endSpan := m.telemetry.StartSpan(ctx, "txn.begin", telemetry.String("isolation", isolation.String()))
	handle, err := m.engine.BeginTxn(ctx, isolation)
	endSpan(err)
	if err != nil {
		return nil, err
	}
	t := &Transaction{
		id:        newID(),
		isolation: isolation,
		startedAt: time.Now().UTC(),
		mgr:       m,
		kv:        handle,
		state:     StateActive,
	}
	m.mu.Lock()
	m.active[t.id] = t
	m.begun++
	m.mu.Unlock()
	return t, nil
}

// DefaultRetryMaxElapsed bounds how long RunInTransaction keeps retrying
// a retriable failure before giving up.
const DefaultRetryMaxElapsed = 5 * time.Second

// RunInTransaction begins a transaction, runs fn against it, and commits,
// retrying the whole begin/fn/commit cycle with exponential backoff when
// the failure is retriable per kverr.Retriable (spec §7: Conflict,
// Cancelled, and Unavailable are retriable, everything else is surfaced
// immediately). fn must tolerate being called more than once, since a
// retry starts an entirely new transaction rather than replaying the
// failed one.
func (m *Manager) RunInTransaction(ctx context.Context, isolation types.IsolationLevel, fn func(*Transaction) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = DefaultRetryMaxElapsed

	return backoff.Retry(func() error {
		t, err := m.Begin(ctx, isolation)
		if err != nil {
			if kverr.Retriable(err) {
				return err
			}
			return backoff.Permanent(err)
		}

		if err := fn(t); err != nil {
			_ = t.Rollback(ctx)
			if kverr.Retriable(err) {
				return err
			}
			return backoff.Permanent(err)
		}

		if err := t.Commit(ctx); err != nil {
			if kverr.Retriable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

func (m *Manager) recordFinish(t *Transaction, committed bool) {
	duration := t.finishedAt.Sub(t.startedAt)
	m.mu.Lock()
	delete(m.active, t.id)
	if committed {
		m.committed++
	} else {
		m.aborted++
	}
	m.completed = append(m.completed, completedRecord{
		finishedAt: t.finishedAt,
		durationMs: float64(duration.Microseconds()) / 1000.0,
	})
	sink := m.telemetry
	m.mu.Unlock()

	outcome := "aborted"
	if committed {
		outcome = "committed"
	}
	sink.IncrCounter(context.Background(), "txn."+outcome, 1)
	sink.RecordDuration(context.Background(), "txn.duration", duration, telemetry.String("outcome", outcome))
}

// Stats returns a snapshot of transaction counters (spec §4.6).
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		Begun:     m.begun,
		Committed: m.committed,
		Aborted:   m.aborted,
		Active:    len(m.active),
	}
	if len(m.completed) == 0 {
		return s
	}
	var sum, max float64
	for _, c := range m.completed {
		sum += c.durationMs
		if c.durationMs > max {
			max = c.durationMs
		}
	}
	s.AvgDurationMs = sum / float64(len(m.completed))
	s.MaxDurationMs = max
	return s
}

// EvictCompletedOlderThan drops janitor bookkeeping for completed
// transactions that finished more than age ago (spec §4.6 "janitor
// evicts completed transactions older than a configurable age (default
// 1 h)"). It returns the number evicted; evicting history never affects
// Stats' running counters, only how much per-duration history is kept.
func (m *Manager) EvictCompletedOlderThan(age time.Duration) int {
	m.mu.Lock()
	cutoff := time.Now().UTC().Add(-age)
	kept := m.completed[:0]
	evicted := 0
	for _, c := range m.completed {
		if c.finishedAt.Before(cutoff) {
			evicted++
			continue
		}
		kept = append(kept, c)
	}
	m.completed = kept
	if evicted > 0 {
		m.evictedTotal += uint64(evicted)
		m.lastEvictedAt = time.Now().UTC()
	}
	sink, total := m.telemetry, m.evictedTotal
	m.mu.Unlock()

	if evicted > 0 {
		sink.RecordGauge(context.Background(), "txn.janitor.evicted_total", float64(total))
	}
	return evicted
}

// JanitorMetrics reports cumulative eviction counters beyond Stats'
// committed/aborted/active view (spec §4.6 supplemented feature).
// EvictedTotal is also reported to the telemetry sink as the
// txn.janitor.evicted_total gauge; LastEvictedAt is only available here.
type JanitorMetrics struct {
	EvictedTotal  uint64
	LastEvictedAt time.Time
}

func (m *Manager) JanitorMetrics() JanitorMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return JanitorMetrics{EvictedTotal: m.evictedTotal, LastEvictedAt: m.lastEvictedAt}
}

// DefaultJanitorAge is the default retention window for completed
// transaction history (spec §4.6).
const DefaultJanitorAge = time.Hour

// RunJanitor evicts completed-transaction history older than age on
// every tick until ctx is cancelled. Callers run it in its own goroutine.
func (m *Manager) RunJanitor(ctx context.Context, interval, age time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.EvictCompletedOlderThan(age)
		}
	}
}

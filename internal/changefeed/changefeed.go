// Package changefeed implements the change-data-capture log (spec §4.8):
// a monotonically sequenced, append-only event store written inside the
// same atomic batch as the mutation it describes, a long-poll list API
// backed by a condition variable, and time-based retention.
package changefeed

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/themisdb/themisdb/internal/keyschema"
	"github.com/themisdb/themisdb/internal/kv"
	"github.com/themisdb/themisdb/internal/kverr"
	"github.com/themisdb/themisdb/internal/types"
)

const cfChangefeed = "changefeed"

// deleteBeforeBatchSize bounds the size of a single delete batch in
// DeleteBefore, so retention never holds one giant transaction open over
// an arbitrarily large backlog (spec §4.8 "bounded-size loop").
const deleteBeforeBatchSize = 500

// Manager owns the changefeed:<seq> key space and the changefeed_sequence
// counter (spec §4.8). It is the sole writer of both.
type Manager struct {
	engine kv.Engine
	log    *slog.Logger

	mu   sync.Mutex
	cond *sync.Cond
	seq  uint64

	js nats.JetStreamContext
}

// New builds a Manager, loading the persisted sequence counter so restarts
// continue the monotonic count without a gap. log may be nil.
func New(ctx context.Context, engine kv.Engine, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{engine: engine, log: log}
	m.cond = sync.NewCond(&m.mu)

	blob, err := engine.Get(ctx, cfChangefeed, []byte(keyschema.ChangefeedSequenceKey))
	switch {
	case err == nil:
		m.seq = binary.BigEndian.Uint64(blob)
	case kverr.KindOf(err) == kverr.KindNotFound:
	default:
		return nil, err
	}
	return m, nil
}

// SetJetStream attaches a JetStream context for fan-out publishing.
// Publishing happens after the local append succeeds and is fire-and-
// forget: a publish failure is logged but never fails the commit, since
// JetStream is a supplementary consumer, not the system of record.
func (m *Manager) SetJetStream(js nats.JetStreamContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.js = js
}

// AppendCommit satisfies internal/txn's ChangefeedAppender: it assigns
// sequence numbers to events in input order, appends one TX_COMMIT record
// after them, and writes the whole thing plus the advanced counter in one
// atomic batch (spec §4.6 step 4, §4.8).
func (m *Manager) AppendCommit(ctx context.Context, txnID string, events []types.ChangeEvent) error {
	now := time.Now().UTC().UnixMilli()
	all := make([]types.ChangeEvent, 0, len(events)+1)
	for _, e := range events {
		e.TsMillis = now
		all = append(all, e)
	}
	all = append(all, types.ChangeEvent{Type: types.ChangeTxCommit, Key: txnID, TsMillis: now})
	return m.appendAll(ctx, all)
}

// AppendRollback appends a single TX_ROLLBACK event (spec §4.6 rollback()
// step, §4.8).
func (m *Manager) AppendRollback(ctx context.Context, txnID string) error {
	evt := types.ChangeEvent{Type: types.ChangeTxRollback, Key: txnID, TsMillis: time.Now().UTC().UnixMilli()}
	return m.appendAll(ctx, []types.ChangeEvent{evt})
}

func (m *Manager) appendAll(ctx context.Context, events []types.ChangeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ops := make([]kv.Op, 0, len(events)+1)
	seq := m.seq
	for i := range events {
		seq++
		events[i].Sequence = seq
		blob, err := json.Marshal(events[i])
		if err != nil {
			return fmt.Errorf("changefeed: marshal event: %w", err)
		}
		ops = append(ops, kv.PutOp(cfChangefeed, keyschema.Changefeed(seq), blob))
	}
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	ops = append(ops, kv.PutOp(cfChangefeed, []byte(keyschema.ChangefeedSequenceKey), seqBuf[:]))

	if err := m.engine.BatchWrite(ctx, ops); err != nil {
		return err
	}
	m.seq = seq
	m.cond.Broadcast()

	js := m.js
	if js != nil {
		for _, evt := range events {
			m.publishToJetStream(js, evt)
		}
	}
	return nil
}

// publishToJetStream is fire-and-forget, mirroring the teacher's event
// bus: a publish failure is logged, never propagated.
func (m *Manager) publishToJetStream(js nats.JetStreamContext, evt types.ChangeEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		m.log.Warn("changefeed: marshal event for jetstream failed", "error", err)
		return
	}
	subject := "changefeed." + strings.ToLower(string(evt.Type))
	if _, err := js.Publish(subject, data); err != nil {
		m.log.Warn("changefeed: jetstream publish failed", "subject", subject, "error", err)
	}
}

// List returns events with seq > fromSeq, in ascending sequence order,
// optionally filtered by key prefix and/or event type, capped at limit
// (spec §4.8). If the result would be empty and longPollMs > 0, it blocks
// up to that timeout for a new append before giving up with an empty
// result.
func (m *Manager) List(ctx context.Context, fromSeq uint64, limit int, keyPrefix string, typeFilter types.ChangeEventType, longPollMs int) ([]types.ChangeEvent, error) {
	deadline := time.Now().Add(time.Duration(longPollMs) * time.Millisecond)
	for {
		events, err := m.listOnce(ctx, fromSeq, limit, keyPrefix, typeFilter)
		if err != nil {
			return nil, err
		}
		if len(events) > 0 || longPollMs <= 0 {
			return events, nil
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, nil
		}
		m.waitForAppend(ctx, deadline)
	}
}

func (m *Manager) listOnce(ctx context.Context, fromSeq uint64, limit int, keyPrefix string, typeFilter types.ChangeEventType) ([]types.ChangeEvent, error) {
	it, err := m.engine.IterPrefix(ctx, cfChangefeed, keyschema.ChangefeedPrefix())
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []types.ChangeEvent
	for it.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		seq, err := keyschema.ParseChangefeedSeq(it.KV().Key)
		if err != nil {
			continue
		}
		if seq <= fromSeq {
			continue
		}
		var evt types.ChangeEvent
		if err := json.Unmarshal(it.KV().Value, &evt); err != nil {
			continue
		}
		if keyPrefix != "" && !strings.HasPrefix(evt.Key, keyPrefix) {
			continue
		}
		if typeFilter != "" && evt.Type != typeFilter {
			continue
		}
		out = append(out, evt)
	}
	return out, it.Err()
}

// waitForAppend blocks until either AppendCommit/AppendRollback broadcasts
// a new event or deadline passes, whichever comes first. It never busy-
// waits: the goroutine parked in cond.Wait() is woken either by a real
// append or by the timer below.
func (m *Manager) waitForAppend(ctx context.Context, deadline time.Time) {
	done := make(chan struct{})
	go func() {
		m.mu.Lock()
		m.cond.Wait()
		m.mu.Unlock()
		close(done)
	}()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-done:
		return
	case <-timer.C:
	case <-ctx.Done():
	}
	// Wake the parked goroutine so it doesn't leak past this call.
	m.mu.Lock()
	m.cond.Broadcast()
	m.mu.Unlock()
	<-done
}

// DeleteBefore deletes events with seq < cutoff in a bounded-size loop,
// returning the total count removed (spec §4.8 retention).
func (m *Manager) DeleteBefore(ctx context.Context, cutoff uint64) (int, error) {
	total := 0
	for {
		it, err := m.engine.IterPrefix(ctx, cfChangefeed, keyschema.ChangefeedPrefix())
		if err != nil {
			return total, err
		}
		var ops []kv.Op
		for it.Next() && len(ops) < deleteBeforeBatchSize {
			seq, err := keyschema.ParseChangefeedSeq(it.KV().Key)
			if err != nil {
				continue
			}
			if seq >= cutoff {
				break
			}
			key := append([]byte(nil), it.KV().Key...)
			ops = append(ops, kv.DeleteOp(cfChangefeed, key))
		}
		closeErr := it.Close()
		if len(ops) == 0 {
			return total, closeErr
		}
		if err := m.engine.BatchWrite(ctx, ops); err != nil {
			return total, err
		}
		total += len(ops)
	}
}

// RetentionPolicy bounds how long changefeed history is kept (spec §4.8
// supplemented feature: a default time-based retention runner).
type RetentionPolicy struct {
	Keep time.Duration
}

// DefaultRetentionPolicy keeps the last 24 hours of events.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{Keep: 24 * time.Hour}
}

// DefaultRetentionInterval is how often RunRetention evaluates the policy.
const DefaultRetentionInterval = 10 * time.Minute

// RunRetention evaluates policy every interval until ctx is cancelled,
// deleting events older than policy.Keep.
func (m *Manager) RunRetention(ctx context.Context, interval time.Duration, policy RetentionPolicy) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff, err := m.cutoffSeqForAge(ctx, policy.Keep)
			if err != nil {
				m.log.Warn("changefeed: retention cutoff scan failed", "error", err)
				continue
			}
			if cutoff == 0 {
				continue
			}
			if n, err := m.DeleteBefore(ctx, cutoff); err != nil {
				m.log.Warn("changefeed: retention delete failed", "error", err)
			} else if n > 0 {
				m.log.Info("changefeed: retention evicted events", "count", n, "cutoff_seq", cutoff)
			}
		}
	}
}

// cutoffSeqForAge scans the log to find the first sequence number still
// younger than age; everything strictly before it is eligible for
// deletion. Returns 0 if nothing qualifies yet.
func (m *Manager) cutoffSeqForAge(ctx context.Context, age time.Duration) (uint64, error) {
	cutoffMillis := time.Now().Add(-age).UnixMilli()
	it, err := m.engine.IterPrefix(ctx, cfChangefeed, keyschema.ChangefeedPrefix())
	if err != nil {
		return 0, err
	}
	defer it.Close()

	var cutoffSeq uint64
	for it.Next() {
		seq, err := keyschema.ParseChangefeedSeq(it.KV().Key)
		if err != nil {
			continue
		}
		var evt types.ChangeEvent
		if err := json.Unmarshal(it.KV().Value, &evt); err != nil {
			continue
		}
		if evt.TsMillis >= cutoffMillis {
			break
		}
		cutoffSeq = seq + 1
	}
	return cutoffSeq, it.Err()
}

var retentionParser = newRetentionParser()

func newRetentionParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// ParseRetentionWindow turns a natural-language expression like "24 hours
// ago" or "3 days ago" into a retention window duration, letting operators
// configure retention without hand-computing a time.Duration string.
func ParseRetentionWindow(expr string) (time.Duration, error) {
	now := time.Now()
	r, err := retentionParser.Parse(expr, now)
	if err != nil {
		return 0, fmt.Errorf("changefeed: parse retention window %q: %w", expr, err)
	}
	if r == nil {
		return 0, fmt.Errorf("%w: changefeed: no retention window matched in %q", kverr.ErrInvalidArgument, expr)
	}
	d := now.Sub(r.Time)
	if d < 0 {
		d = -d
	}
	return d, nil
}

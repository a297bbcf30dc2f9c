package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/themisdb/themisdb/internal/changefeed"
	"github.com/themisdb/themisdb/internal/config"
	"github.com/themisdb/themisdb/internal/content"
	"github.com/themisdb/themisdb/internal/fulltext"
	"github.com/themisdb/themisdb/internal/graphidx"
	"github.com/themisdb/themisdb/internal/kv"
	"github.com/themisdb/themisdb/internal/query"
	"github.com/themisdb/themisdb/internal/secindex"
	"github.com/themisdb/themisdb/internal/telemetry"
	"github.com/themisdb/themisdb/internal/txn"
	"github.com/themisdb/themisdb/internal/vectoridx"
)

// Engine is the fully wired object graph: one ordered KV engine plus every
// index manager layered over it, the transaction manager coordinating
// writes across them, the content pipeline, the changefeed, and the query
// engine. An HTTP server (an external collaborator per spec.md §1) holds
// one Engine and dispatches requests into it; Engine itself never listens
// on a socket.
type Engine struct {
	KV         kv.Engine
	SecIndex   *secindex.Manager
	Graph      *graphidx.Manager
	Vector     *vectoridx.Manager
	Txn        *txn.Manager
	Content    *content.Pipeline
	Changefeed *changefeed.Manager
	FullText   *fulltext.Index // nil if full-text search is not configured
	Query      *query.Engine

	Policy PolicyOracle

	telemetry telemetry.Sink
	log       *slog.Logger

	janitorCancel   context.CancelFunc
	retentionCancel context.CancelFunc
}

// Options controls optional collaborators at Open time. All fields may be
// left zero; Open fills in sensible defaults (AllowAll policy, a disabled
// full-text index, telemetry.Noop).
type Options struct {
	Logger       *slog.Logger
	Telemetry    telemetry.Sink
	Policy       PolicyOracle
	Embedder     content.EmbeddingProvider
	TextProc     content.TextProcessor
	FullTextPath string // "" disables full-text indexing and /search/fusion's text leg
}

// Open assembles an Engine from config.GetStorageSettings()'s data
// directory: a kv.Engine, every index manager over it, the transaction
// manager, content pipeline, changefeed, and query engine, wired together
// the way spec.md §4.6 describes commit fanning out across subsystems.
// Callers should call Close when done to release the underlying storage
// handle and stop background janitor/retention goroutines.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Noop
	}
	if opts.Policy == nil {
		opts.Policy = AllowAll{}
	}

	storage := config.GetStorageSettings()
	kvEngine, err := kv.Open(storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("engine: open storage: %w", err)
	}

	secIdx := secindex.New(kvEngine)
	graph := graphidx.New(kvEngine)
	vec := vectoridx.New(kvEngine)

	cf, err := changefeed.New(ctx, kvEngine, opts.Logger)
	if err != nil {
		_ = kvEngine.Close()
		return nil, fmt.Errorf("engine: open changefeed: %w", err)
	}

	txnMgr := txn.New(kvEngine, secIdx, graph, vec, cf)
	txnMgr.SetTelemetry(opts.Telemetry)

	pipeline, err := content.New(kvEngine, graph, vec, opts.Logger)
	if err != nil {
		_ = kvEngine.Close()
		return nil, fmt.Errorf("engine: open content pipeline: %w", err)
	}
	pipeline.Embedder = opts.Embedder
	pipeline.TextProc = opts.TextProc

	var ft *fulltext.Index
	if opts.FullTextPath != "" {
		ft, err = fulltext.Open(opts.FullTextPath)
		if err != nil {
			_ = kvEngine.Close()
			return nil, fmt.Errorf("engine: open full-text index: %w", err)
		}
	}

	q := query.New(kvEngine, secIdx, graph, vec, ft)
	q.SetTelemetry(opts.Telemetry)

	e := &Engine{
		KV:         kvEngine,
		SecIndex:   secIdx,
		Graph:      graph,
		Vector:     vec,
		Txn:        txnMgr,
		Content:    pipeline,
		Changefeed: cf,
		FullText:   ft,
		Query:      q,
		Policy:     opts.Policy,
		telemetry:  opts.Telemetry,
		log:        opts.Logger,
	}

	e.startBackgroundTasks(ctx)
	return e, nil
}

func (e *Engine) startBackgroundTasks(parent context.Context) {
	janitorCtx, janitorCancel := context.WithCancel(parent)
	e.janitorCancel = janitorCancel
	go e.Txn.RunJanitor(janitorCtx, time.Minute, txn.DefaultJanitorAge)

	ret := config.GetRetentionSettings()
	retentionCtx, retentionCancel := context.WithCancel(parent)
	e.retentionCancel = retentionCancel
	go e.Changefeed.RunRetention(retentionCtx, ret.SweepInterval, changefeed.RetentionPolicy{Keep: ret.Window})
}

// DefaultVectorNamespaceConfig builds a vectoridx.Config seeded from the
// process's configured HNSW tuning (spec §4.5's ef_construction/ef_search/M
// knobs), for callers initializing a new namespace through e.Vector.Init
// without hand-copying config values themselves.
func (e *Engine) DefaultVectorNamespaceConfig() vectoridx.Config {
	vecCfg := config.GetVectorSettings()
	cfg := vectoridx.DefaultConfig()
	cfg.EfConstruction = vecCfg.EfConstruction
	cfg.EfSearch = vecCfg.EfSearch
	cfg.M = vecCfg.M
	return cfg
}

// Authorize checks claims against the wired PolicyOracle before a caller
// proceeds with action on resource, per spec.md §1's decision-oracle
// collaborator and the PolicyDenied error kind (surfaced as HTTP 403 by
// the external HTTP layer).
func (e *Engine) Authorize(ctx context.Context, claims Claims, action, resource string) error {
	return e.Policy.Authorize(ctx, claims, action, resource)
}

// Close stops background tasks and releases the underlying storage
// handle. The full-text index, if configured, is closed as well.
func (e *Engine) Close() error {
	if e.janitorCancel != nil {
		e.janitorCancel()
	}
	if e.retentionCancel != nil {
		e.retentionCancel()
	}
	if e.FullText != nil {
		if err := e.FullText.Close(); err != nil {
			e.log.Warn("engine: close full-text index failed", "error", err)
		}
	}
	return e.KV.Close()
}

// Package engine implements the checkpointed two-pass reconciliation that
// keeps the local mirror consistent with the remote log.
//
// A run moves through INIT, PASS_A (catch-up on new messages since the
// checkpoint), PASS_B (lookback re-scan for edits and deletions), TOMBSTONE,
// and CHECKPOINT_COMMIT. Writes are flushed in bounded batches, so an
// interrupted run loses at most one un-flushed batch and the next run simply
// re-upserts anything the aborted run already wrote. The checkpoint advances
// only after tombstoning completed, so a failed run never claims messages it
// did not fully reconcile.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dmaltsev/tgmirror/internal/source"
	"github.com/dmaltsev/tgmirror/internal/store"
)

// DefaultFlushEvery bounds how many pending upserts accumulate before a
// batch is committed. Policy value: it trades memory and transaction size
// against the blast radius of an interrupted run.
const DefaultFlushEvery = 300

// Options configures a Reconciler.
type Options struct {
	// Retention is how far back the engine is responsible for the mirror.
	// Messages older than run start minus Retention are out of scope.
	Retention time.Duration

	// Lookback is the trailing window re-scanned every run for edits and
	// deletions. Must not exceed Retention; zero means use Retention.
	Lookback time.Duration

	// FlushEvery is the batch size for durable flushes. Zero means
	// DefaultFlushEvery.
	FlushEvery int

	// RetryBackoff is the pause before the single retry after a transient
	// source error that carries no hint of its own. Zero means 5s.
	RetryBackoff time.Duration
}

func (o Options) flushEvery() int {
	if o.FlushEvery > 0 {
		return o.FlushEvery
	}
	return DefaultFlushEvery
}

func (o Options) lookback() time.Duration {
	if o.Lookback > 0 && o.Lookback < o.Retention {
		return o.Lookback
	}
	return o.Retention
}

func (o Options) retryBackoff() time.Duration {
	if o.RetryBackoff > 0 {
		return o.RetryBackoff
	}
	return 5 * time.Second
}

// RunStats are the aggregate counters a run reports, including partially
// failed runs, so operators can see exactly how far reconciliation got.
//
// Scanned counts visits, not distinct messages: a message inside the lookback
// window is visited by both passes, and a pass resumed after a transient error
// revisits what the aborted scan already served. Writes stay exact regardless:
// a re-visited row that already matches lands in Unchanged, not in Created or
// Updated.
type RunStats struct {
	Scanned      int
	Created      int
	Updated      int
	Unchanged    int
	Tombstoned   int
	MaxMessageID int64
}

// Reconciler drives sync runs for scopes against one store.
type Reconciler struct {
	db     *store.DB
	src    source.Source
	opts   Options
	logger zerolog.Logger
}

// New creates a Reconciler. The store must already be migrated.
func New(db *store.DB, src source.Source, opts Options, logger zerolog.Logger) *Reconciler {
	return &Reconciler{db: db, src: src, opts: opts, logger: logger}
}

// runState accumulates per-run progress shared across both passes.
type runState struct {
	startedAt time.Time
	seen      map[int64]struct{}
	maxSeen   int64
	pending   []*store.Message
	stats     RunStats
}

// Run performs one two-pass reconciliation of scope.
//
// On a transient source error each pass flushes what it has, backs off once,
// and resumes; upserts are idempotent so re-visiting already-written messages
// is harmless. Any other error aborts the run with the counters accumulated
// so far; previously flushed batches stay committed and the checkpoint is
// untouched.
func (r *Reconciler) Run(ctx context.Context, scope store.Scope) (RunStats, error) {
	cp, err := r.db.LoadCheckpoint(ctx, scope)
	if err != nil {
		return RunStats{}, err
	}

	st := &runState{
		startedAt: time.Now().UTC(),
		seen:      make(map[int64]struct{}),
		maxSeen:   cp.LastMessageID,
	}
	cutoff := st.startedAt.Add(-r.opts.Retention)
	lookbackCutoff := st.startedAt.Add(-r.opts.lookback())

	r.logger.Info().
		Stringer("scope", scope).
		Int64("last_message_id", cp.LastMessageID).
		Time("cutoff", cutoff).
		Time("lookback_cutoff", lookbackCutoff).
		Msg("starting sync run")

	// Pass A: cheap catch-up on messages newer than the checkpoint. The
	// cutoff early-exit is a heuristic; anything it misses inside the
	// lookback window is recovered by Pass B.
	if err := r.runPass(ctx, scope, passA, cp.LastMessageID, cutoff, st); err != nil {
		return st.stats, err
	}

	// Pass B: authority for edits and deletions. Re-visits every message in
	// the lookback window whether or not Pass A already saw it.
	if err := r.runPass(ctx, scope, passB, 0, lookbackCutoff, st); err != nil {
		return st.stats, err
	}

	if err := r.flush(ctx, st); err != nil {
		return st.stats, err
	}

	// Tombstoning is a closed-world step: it is sound only over the window
	// Pass B is guaranteed to have visited, so the floor is the lookback
	// cutoff. Older rows are never tombstoned by this run.
	marked, err := r.db.MarkDeleted(ctx, scope, st.seen, lookbackCutoff, st.startedAt)
	if err != nil {
		return st.stats, err
	}
	st.stats.Tombstoned = int(marked)

	if err := r.db.AdvanceCheckpoint(ctx, scope, st.maxSeen, st.startedAt); err != nil {
		return st.stats, err
	}
	st.stats.MaxMessageID = st.maxSeen

	r.logger.Info().
		Stringer("scope", scope).
		Int("scanned", st.stats.Scanned).
		Int("created", st.stats.Created).
		Int("updated", st.stats.Updated).
		Int("tombstoned", st.stats.Tombstoned).
		Msg("sync run complete")

	return st.stats, nil
}

// Backfill ingests the scope's full history: no time cutoff, no lookback
// pass, no tombstoning. The checkpoint still advances at the end so the next
// incremental run starts from the newest message seen.
func (r *Reconciler) Backfill(ctx context.Context, scope store.Scope) (RunStats, error) {
	st := &runState{
		startedAt: time.Now().UTC(),
		seen:      make(map[int64]struct{}),
	}

	r.logger.Info().Stringer("scope", scope).Msg("starting full-history backfill")

	if err := r.runPass(ctx, scope, passA, 0, time.Time{}, st); err != nil {
		return st.stats, err
	}
	if err := r.flush(ctx, st); err != nil {
		return st.stats, err
	}
	if err := r.db.AdvanceCheckpoint(ctx, scope, st.maxSeen, st.startedAt); err != nil {
		return st.stats, err
	}
	st.stats.MaxMessageID = st.maxSeen

	r.logger.Info().
		Stringer("scope", scope).
		Int("scanned", st.stats.Scanned).
		Int("created", st.stats.Created).
		Int("updated", st.stats.Updated).
		Msg("backfill complete")

	return st.stats, nil
}

type passKind int

const (
	passA passKind = iota
	passB
)

func (p passKind) String() string {
	if p == passA {
		return "pass-a"
	}
	return "pass-b"
}

// runPass scans the source once, upserting every visited message, stopping
// when a message older than cutoff appears (zero cutoff disables the exit).
// One transient source error is absorbed: pending writes are flushed, the
// engine backs off, and the pass resumes from what was already durable.
func (r *Reconciler) runPass(ctx context.Context, scope store.Scope, kind passKind, minID int64, cutoff time.Time, st *runState) error {
	retried := false
	for {
		err := r.scanOnce(ctx, scope, kind, minID, cutoff, st)
		if err == nil {
			return nil
		}
		if !source.IsTransient(err) || retried {
			return fmt.Errorf("%s failed for %s: %w", kind, scope, err)
		}
		retried = true

		// Persist progress before waiting so the retry resumes from a
		// durable point.
		if ferr := r.flush(ctx, st); ferr != nil {
			return ferr
		}
		backoff := source.RetryAfter(err)
		if backoff <= 0 {
			backoff = r.opts.retryBackoff()
		}
		r.logger.Warn().
			Stringer("scope", scope).
			Stringer("pass", kind).
			Dur("backoff", backoff).
			Err(err).
			Msg("transient source error, backing off")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}

		if kind == passA {
			// Everything flushed so far is durable; restart above it.
			minID = st.maxSeen
		}
	}
}

func (r *Reconciler) scanOnce(ctx context.Context, scope store.Scope, kind passKind, minID int64, cutoff time.Time, st *runState) error {
	it, err := r.src.Iterate(ctx, scope, minID)
	if err != nil {
		return err
	}

	for {
		m, err := it.Next(ctx)
		if err == source.ErrDone {
			return nil
		}
		if err != nil {
			return err
		}
		if !cutoff.IsZero() && m.Date.Before(cutoff) {
			// Descending delivery order means everything after this is
			// older still.
			return nil
		}
		if kind == passA && m.MessageID <= minID {
			continue
		}

		st.seen[m.MessageID] = struct{}{}
		if m.MessageID > st.maxSeen {
			st.maxSeen = m.MessageID
		}
		st.pending = append(st.pending, m)
		st.stats.Scanned++

		if len(st.pending) >= r.opts.flushEvery() {
			if err := r.flush(ctx, st); err != nil {
				return err
			}
			r.logger.Debug().
				Stringer("scope", scope).
				Stringer("pass", kind).
				Int("scanned", st.stats.Scanned).
				Int("created", st.stats.Created).
				Int("updated", st.stats.Updated).
				Msg("flushed batch")
		}
	}
}

// flush durably persists the pending batch in one transaction and folds the
// outcome counts into the run statistics.
func (r *Reconciler) flush(ctx context.Context, st *runState) error {
	if len(st.pending) == 0 {
		return nil
	}
	res, err := r.db.UpsertBatch(ctx, st.pending, st.startedAt)
	if err != nil {
		return err
	}
	st.stats.Created += res.Created
	st.stats.Updated += res.Updated
	st.stats.Unchanged += res.Unchanged
	st.pending = st.pending[:0]
	return nil
}

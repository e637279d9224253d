package suggestbot

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type voteSnapshotter interface {
	Snapshot() VoteRecord
}

type messageCountSnapshotter interface {
	Snapshot() MessageCounts
}

// Persister decides when in-memory state is written to the [Store].
//
// Votes are written through: [Persister.FlushVotes] is called by
// [VoteLedger.CastVote] before the vote is acknowledged. Message counts
// are written through at most at the configured rate. Any document whose
// write was skipped or failed is marked dirty, and is written by the
// background loop started with [Persister.Run] (at most one flush
// interval later) or by the next successful write.
type Persister struct {
	store  Store
	logger *slog.Logger

	votes  voteSnapshotter
	counts messageCountSnapshotter

	limiter  *rate.Limiter
	interval time.Duration

	// one flush per document at a time
	votesMu  sync.Mutex
	countsMu sync.Mutex

	votesDirty  atomic.Bool
	countsDirty atomic.Bool

	metricFlushes  atomic.Int64
	metricFailures atomic.Int64
	lastFlush      atomic.Pointer[time.Time]
	lastError      atomic.Pointer[string]
}

// NewPersister creates a Persister writing to store. messageFlushRate is
// the maximum number of message count writes per second (0 means
// message counts are only written by the background loop), and
// flushInterval is how often the background loop writes dirty documents.
func NewPersister(
	store Store,
	flushInterval time.Duration,
	messageFlushRate float64,
	logger *slog.Logger,
) *Persister {
	if logger == nil {
		logger = slog.Default()
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	p := &Persister{
		store:    store,
		logger:   logger.With(loggerNameKey, "persister"),
		interval: flushInterval,
	}
	if messageFlushRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(messageFlushRate), 1)
	}
	return p
}

// Track sets the sources snapshotted on each flush. It must be called
// before any flush.
func (p *Persister) Track(votes voteSnapshotter, counts messageCountSnapshotter) {
	p.votes = votes
	p.counts = counts
}

// FlushVotes writes the current vote record. On failure, the error is a
// *[PersistenceError] and the vote document stays dirty.
func (p *Persister) FlushVotes(ctx context.Context) error {
	p.votesDirty.Store(true)
	p.votesMu.Lock()
	defer p.votesMu.Unlock()
	return p.flushVotesLocked(ctx)
}

func (p *Persister) flushVotesLocked(ctx context.Context) error {
	if p.votes == nil {
		return nil
	}
	p.votesDirty.Store(false)
	if err := p.store.FlushVotes(ctx, p.votes.Snapshot()); err != nil {
		p.votesDirty.Store(true)
		return p.failed(documentVotes, err)
	}
	p.succeeded()
	return nil
}

// MessageCountsChanged marks message counts dirty, and writes them
// immediately if the rate limit allows. Failures are logged, and the
// document is left for the background loop.
func (p *Persister) MessageCountsChanged(ctx context.Context) {
	p.countsDirty.Store(true)
	if p.limiter == nil || !p.limiter.Allow() {
		return
	}
	// a flush already in progress will be followed up by the loop
	if !p.countsMu.TryLock() {
		return
	}
	defer p.countsMu.Unlock()
	if err := p.flushMessageCountsLocked(ctx); err != nil {
		p.logger.WarnContext(ctx, "error writing message counts", tint.Err(err))
	}
}

// FlushMessageCounts writes the current message counts
func (p *Persister) FlushMessageCounts(ctx context.Context) error {
	p.countsMu.Lock()
	defer p.countsMu.Unlock()
	return p.flushMessageCountsLocked(ctx)
}

func (p *Persister) flushMessageCountsLocked(ctx context.Context) error {
	if p.counts == nil {
		return nil
	}
	p.countsDirty.Store(false)
	if err := p.store.FlushMessageCounts(ctx, p.counts.Snapshot()); err != nil {
		p.countsDirty.Store(true)
		return p.failed(documentMessageCounts, err)
	}
	p.succeeded()
	return nil
}

// FlushAll writes both documents concurrently, dirty or not
func (p *Persister) FlushAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(
		func() error {
			p.votesMu.Lock()
			defer p.votesMu.Unlock()
			return p.flushVotesLocked(gctx)
		},
	)
	g.Go(
		func() error {
			return p.FlushMessageCounts(gctx)
		},
	)
	return g.Wait()
}

// FlushDirty writes only the documents marked dirty
func (p *Persister) FlushDirty(ctx context.Context) error {
	var errs []error
	if p.votesDirty.Load() {
		p.votesMu.Lock()
		if p.votesDirty.Load() {
			errs = append(errs, p.flushVotesLocked(ctx))
		}
		p.votesMu.Unlock()
	}
	if p.countsDirty.Load() {
		errs = append(errs, p.FlushMessageCounts(ctx))
	}
	return errors.Join(errs...)
}

// Dirty reports whether votes or message counts have changes which
// haven't been written yet
func (p *Persister) Dirty() (votes bool, messageCounts bool) {
	return p.votesDirty.Load(), p.countsDirty.Load()
}

// Run writes dirty documents every flush interval until ctx is done
func (p *Persister) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.InfoContext(ctx, "starting flush loop", "interval", p.interval)
	for {
		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "stopping flush loop")
			return
		case <-ticker.C:
			if err := p.FlushDirty(ctx); err != nil {
				p.logger.WarnContext(
					ctx,
					"error flushing data, will retry",
					tint.Err(err),
				)
			}
		}
	}
}

func (p *Persister) failed(document string, err error) error {
	p.metricFailures.Add(1)
	msg := err.Error()
	p.lastError.Store(&msg)
	return &PersistenceError{Document: document, Err: err}
}

func (p *Persister) succeeded() {
	p.metricFlushes.Add(1)
	now := time.Now().UTC()
	p.lastFlush.Store(&now)
}

// PersisterMetrics reports write counters from a [Persister]
type PersisterMetrics struct {
	Flushes            int64      `json:"flushes"`
	Failures           int64      `json:"failures"`
	LastFlush          *time.Time `json:"last_flush,omitempty"`
	LastError          string     `json:"last_error,omitempty"`
	VotesDirty         bool       `json:"votes_dirty"`
	MessageCountsDirty bool       `json:"message_counts_dirty"`
}

func (p *Persister) Metrics() PersisterMetrics {
	m := PersisterMetrics{
		Flushes:            p.metricFlushes.Load(),
		Failures:           p.metricFailures.Load(),
		LastFlush:          p.lastFlush.Load(),
		VotesDirty:         p.votesDirty.Load(),
		MessageCountsDirty: p.countsDirty.Load(),
	}
	if e := p.lastError.Load(); e != nil {
		m.LastError = *e
	}
	return m
}

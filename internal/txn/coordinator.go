// Package txn implements the transaction coordinator: snapshot-isolated
// cross-partition transactions driven by two-phase commit. The commit
// decision is logged durably before any phase-2 message goes out, so a
// coordinator crash between the phases never loses the outcome.
package txn

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zonedb/zonedb/internal/clock"
	"github.com/zonedb/zonedb/internal/errors"
	"github.com/zonedb/zonedb/internal/metrics"
	"github.com/zonedb/zonedb/internal/model"
	"github.com/zonedb/zonedb/internal/replica"
	"github.com/zonedb/zonedb/internal/store"
)

// Replicas is the partition surface the coordinator drives. Satisfied by
// replica.Service.
type Replicas interface {
	Read(ctx context.Context, ref model.PartitionRef, key []byte, readTS uint64) (*model.Row, error)
	ProposeWrite(ctx context.Context, ref model.PartitionRef, txnID string, kv model.KV) error
	Prepare(ctx context.Context, ref model.PartitionRef, txnID string, startTS uint64) (replica.PrepareResult, error)
	Commit(ctx context.Context, ref model.PartitionRef, txnID string, commitTS uint64) error
	Abort(ctx context.Context, ref model.PartitionRef, txnID string) error
}

// Options tunes coordinator behavior. Zero values fall back to defaults.
type Options struct {
	// IdleTimeout is how long a transaction may go without activity
	// before the reaper aborts it.
	IdleTimeout time.Duration
	// ReadRetries bounds retries of reads that hit a retryable error,
	// such as a partition mid-election.
	ReadRetries int
	// RetryBackoff is the pause between read retries.
	RetryBackoff time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = 30 * time.Second
	}
	if out.ReadRetries <= 0 {
		out.ReadRetries = 5
	}
	if out.RetryBackoff <= 0 {
		out.RetryBackoff = 50 * time.Millisecond
	}
	return out
}

// Txn is one client transaction. Writes are buffered at the coordinator
// and only shipped to participants at commit, so an abort before commit
// costs the partitions nothing.
type Txn struct {
	ID      string
	StartTS uint64

	mu         sync.Mutex
	state      model.TxnState
	writes     map[model.PartitionRef]map[string]model.KV
	order      map[model.PartitionRef][]string
	lastActive time.Time
}

// State returns the transaction's current state.
func (t *Txn) State() model.TxnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Txn) participants() []model.PartitionRef {
	refs := make([]model.PartitionRef, 0, len(t.writes))
	for ref := range t.writes {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Zone != refs[j].Zone {
			return refs[i].Zone < refs[j].Zone
		}
		return refs[i].Partition < refs[j].Partition
	})
	return refs
}

// touch refreshes the idle clock; returns an error when the transaction
// is no longer usable.
func (t *Txn) touch(now time.Time) error {
	switch t.state {
	case model.TxnActive:
		t.lastActive = now
		return nil
	case model.TxnAborted:
		return errors.Newf(errors.CodeTransactionExpired, "transaction %s was aborted", t.ID)
	default:
		return errors.Newf(errors.CodeTransactionFinished, "transaction %s already finished", t.ID)
	}
}

// Coordinator owns transaction lifecycles for one node.
type Coordinator struct {
	clock     *clock.HLC
	replicas  Replicas
	decisions store.DecisionLog
	opts      Options
	logger    *zap.Logger

	mu     sync.Mutex
	active map[string]*Txn

	stopReaper chan struct{}
	reaperDone chan struct{}
}

// NewCoordinator wires a coordinator over the given partition surface and
// decision log.
func NewCoordinator(replicas Replicas, decisions store.DecisionLog, hlc *clock.HLC, opts Options, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		clock:     hlc,
		replicas:  replicas,
		decisions: decisions,
		opts:      opts.withDefaults(),
		logger:    logger,
		active:    make(map[string]*Txn),
	}
}

// Begin opens a transaction reading at the current clock.
func (c *Coordinator) Begin(ctx context.Context) (*Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t := &Txn{
		ID:         uuid.NewString(),
		StartTS:    c.clock.Now(),
		state:      model.TxnActive,
		writes:     make(map[model.PartitionRef]map[string]model.KV),
		order:      make(map[model.PartitionRef][]string),
		lastActive: time.Now(),
	}
	c.mu.Lock()
	c.active[t.ID] = t
	c.mu.Unlock()

	metrics.TxnStarted.Inc()
	metrics.ActiveTxns.Inc()
	return t, nil
}

// Get returns a live transaction by ID.
func (c *Coordinator) Get(txnID string) (*Txn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.active[txnID]
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "transaction %s not found", txnID)
	}
	return t, nil
}

// Read returns the row visible at the transaction's snapshot, seeing the
// transaction's own buffered writes first. Retryable partition errors
// are retried with backoff.
func (c *Coordinator) Read(ctx context.Context, t *Txn, ref model.PartitionRef, key []byte) (*model.Row, error) {
	t.mu.Lock()
	if err := t.touch(time.Now()); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	if kv, ok := t.writes[ref][string(key)]; ok {
		t.mu.Unlock()
		if kv.Deleted {
			return nil, nil
		}
		return &model.Row{
			Key:     append([]byte(nil), kv.Key...),
			Value:   append([]byte(nil), kv.Value...),
			Version: model.Version{Timestamp: t.StartTS, TxnID: t.ID},
		}, nil
	}
	startTS := t.StartTS
	t.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= c.opts.ReadRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.opts.RetryBackoff):
			}
		}
		row, err := c.replicas.Read(ctx, ref, key, startTS)
		if err == nil {
			return row, nil
		}
		if !errors.Retryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// Write buffers a put for commit time.
func (c *Coordinator) Write(t *Txn, ref model.PartitionRef, key, value []byte) error {
	return c.buffer(t, ref, model.KV{Key: key, Value: value})
}

// Delete buffers a tombstone for commit time.
func (c *Coordinator) Delete(t *Txn, ref model.PartitionRef, key []byte) error {
	return c.buffer(t, ref, model.KV{Key: key, Deleted: true})
}

func (c *Coordinator) buffer(t *Txn, ref model.PartitionRef, kv model.KV) error {
	if len(kv.Key) == 0 {
		return errors.New(errors.CodeInvalidKey, "empty key")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.touch(time.Now()); err != nil {
		return err
	}
	byKey, ok := t.writes[ref]
	if !ok {
		byKey = make(map[string]model.KV)
		t.writes[ref] = byKey
	}
	if _, seen := byKey[string(kv.Key)]; !seen {
		t.order[ref] = append(t.order[ref], string(kv.Key))
	}
	byKey[string(kv.Key)] = kv
	return nil
}

// Commit runs two-phase commit across the transaction's participants.
// Read-only transactions commit without touching any partition. A
// logged commit decision is the point of no return: once it is durable,
// Commit reports success even if some phase-2 deliveries must wait for
// recovery.
func (c *Coordinator) Commit(ctx context.Context, t *Txn) error {
	started := time.Now()

	t.mu.Lock()
	if err := t.touch(started); err != nil {
		t.mu.Unlock()
		return err
	}
	t.state = model.TxnPreparing
	refs := t.participants()
	t.mu.Unlock()

	if len(refs) == 0 {
		c.finish(t, model.TxnCommitted, "committed")
		return nil
	}

	if err := c.shipWrites(ctx, t, refs); err != nil {
		c.abortTxn(context.WithoutCancel(ctx), t.ID, refs)
		c.finish(t, model.TxnAborted, "aborted")
		return err
	}

	votedNo, err := c.prepareAll(ctx, t, refs)
	if err != nil || votedNo {
		c.abortTxn(context.WithoutCancel(ctx), t.ID, refs)
		c.finish(t, model.TxnAborted, "conflict")
		if err != nil {
			return err
		}
		return errors.Wrap(errors.CodeConflict, "transaction lost a write-write conflict", errors.ErrConflict)
	}

	// Clock updates from the prepare replies already folded in, so this
	// timestamp dominates the start timestamp and every participant.
	commitTS := c.clock.Now()

	rec := &store.DecisionRecord{
		TxnID:        t.ID,
		Decision:     model.DecisionCommit,
		CommitTS:     commitTS,
		Participants: refs,
		LoggedAt:     time.Now(),
	}
	if err := c.decisions.Record(ctx, rec); err != nil {
		// Without a durable decision the transaction cannot commit.
		c.abortTxn(context.WithoutCancel(ctx), t.ID, refs)
		c.finish(t, model.TxnAborted, "aborted")
		return errors.Wrap(errors.CodeInternal, "logging commit decision failed", err)
	}

	if c.deliverCommit(context.WithoutCancel(ctx), t.ID, commitTS, refs) {
		if err := c.decisions.MarkApplied(context.WithoutCancel(ctx), t.ID); err != nil {
			c.logger.Warn("marking decision applied failed", zap.String("txn", t.ID), zap.Error(err))
		}
	} else {
		c.logger.Warn("commit delivery incomplete, recovery will finish it", zap.String("txn", t.ID))
	}

	c.finish(t, model.TxnCommitted, "committed")
	metrics.TxnCommitSeconds.Observe(time.Since(started).Seconds())
	metrics.TxnParticipants.Observe(float64(len(refs)))
	return nil
}

// Abort rolls the transaction back.
func (c *Coordinator) Abort(ctx context.Context, t *Txn) error {
	t.mu.Lock()
	if t.state != model.TxnActive && t.state != model.TxnPreparing {
		err := t.touch(time.Now())
		t.mu.Unlock()
		return err
	}
	refs := t.participants()
	t.mu.Unlock()

	c.abortTxn(context.WithoutCancel(ctx), t.ID, refs)
	c.finish(t, model.TxnAborted, "aborted")
	return nil
}

// shipWrites moves the buffered writes to their participants, in the
// order the transaction issued them.
func (c *Coordinator) shipWrites(ctx context.Context, t *Txn, refs []model.PartitionRef) error {
	var wg sync.WaitGroup
	errs := make([]error, len(refs))
	for i, ref := range refs {
		t.mu.Lock()
		keys := append([]string(nil), t.order[ref]...)
		byKey := t.writes[ref]
		kvs := make([]model.KV, 0, len(keys))
		for _, k := range keys {
			kvs = append(kvs, byKey[k])
		}
		t.mu.Unlock()

		wg.Add(1)
		go func(i int, ref model.PartitionRef, kvs []model.KV) {
			defer wg.Done()
			for _, kv := range kvs {
				if err := c.replicas.ProposeWrite(ctx, ref, t.ID, kv); err != nil {
					errs[i] = err
					return
				}
			}
		}(i, ref, kvs)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// prepareAll fans out phase 1 and folds participant clocks into the
// coordinator clock. Returns votedNo=true when any participant refused.
func (c *Coordinator) prepareAll(ctx context.Context, t *Txn, refs []model.PartitionRef) (bool, error) {
	var wg sync.WaitGroup
	votes := make([]model.Vote, len(refs))
	errs := make([]error, len(refs))
	for i, ref := range refs {
		wg.Add(1)
		go func(i int, ref model.PartitionRef) {
			defer wg.Done()
			res, err := c.replicas.Prepare(ctx, ref, t.ID, t.StartTS)
			if err != nil {
				errs[i] = err
				return
			}
			c.clock.Update(res.Clock)
			votes[i] = res.Vote
		}(i, ref)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return false, err
		}
	}
	for _, v := range votes {
		if v == model.VoteNo {
			return true, nil
		}
	}
	return false, nil
}

// deliverCommit fans out phase 2; reports whether every participant
// acknowledged.
func (c *Coordinator) deliverCommit(ctx context.Context, txnID string, commitTS uint64, refs []model.PartitionRef) bool {
	var wg sync.WaitGroup
	var failed sync.Map
	for _, ref := range refs {
		wg.Add(1)
		go func(ref model.PartitionRef) {
			defer wg.Done()
			if err := c.replicas.Commit(ctx, ref, txnID, commitTS); err != nil {
				failed.Store(ref, err)
				c.logger.Warn("commit delivery failed",
					zap.String("txn", txnID),
					zap.String("zone", ref.Zone),
					zap.Uint32("partition", uint32(ref.Partition)),
					zap.Error(err))
			}
		}(ref)
	}
	wg.Wait()

	complete := true
	failed.Range(func(_, _ any) bool {
		complete = false
		return false
	})
	return complete
}

// abortTxn durably logs the abort before fanning it out, so a crashed
// or failed delivery is replayed by Recover and prepared participants
// do not hold their conflict state forever.
func (c *Coordinator) abortTxn(ctx context.Context, txnID string, refs []model.PartitionRef) {
	if len(refs) == 0 {
		return
	}
	rec := &store.DecisionRecord{
		TxnID:        txnID,
		Decision:     model.DecisionAbort,
		Participants: refs,
		LoggedAt:     time.Now(),
	}
	logged := true
	if err := c.decisions.Record(ctx, rec); err != nil {
		logged = false
		c.logger.Warn("logging abort decision failed", zap.String("txn", txnID), zap.Error(err))
	}
	if c.abortParticipants(ctx, txnID, refs) && logged {
		if err := c.decisions.MarkApplied(ctx, txnID); err != nil {
			c.logger.Warn("marking decision applied failed", zap.String("txn", txnID), zap.Error(err))
		}
	}
}

// abortParticipants fans the abort out; reports whether every
// participant acknowledged.
func (c *Coordinator) abortParticipants(ctx context.Context, txnID string, refs []model.PartitionRef) bool {
	var wg sync.WaitGroup
	var failed sync.Map
	for _, ref := range refs {
		wg.Add(1)
		go func(ref model.PartitionRef) {
			defer wg.Done()
			if err := c.replicas.Abort(ctx, ref, txnID); err != nil {
				failed.Store(ref, err)
				c.logger.Warn("abort delivery failed",
					zap.String("txn", txnID),
					zap.String("zone", ref.Zone),
					zap.Error(err))
			}
		}(ref)
	}
	wg.Wait()

	complete := true
	failed.Range(func(_, _ any) bool {
		complete = false
		return false
	})
	return complete
}

func (c *Coordinator) finish(t *Txn, state model.TxnState, outcome string) {
	t.mu.Lock()
	t.state = state
	t.mu.Unlock()

	c.mu.Lock()
	delete(c.active, t.ID)
	c.mu.Unlock()

	metrics.TxnFinished.WithLabelValues(outcome).Inc()
	metrics.ActiveTxns.Dec()
}

// Recover replays every unapplied decision in the log to its
// participants. Called on startup before serving transactions; the
// partition handlers are idempotent so replaying an already-delivered
// decision is harmless.
func (c *Coordinator) Recover(ctx context.Context) error {
	records, err := c.decisions.Unapplied(ctx)
	if err != nil {
		return errors.Wrap(errors.CodeCoordinatorCrashRecovery, "reading unapplied decisions", err)
	}
	for _, rec := range records {
		delivered := true
		switch rec.Decision {
		case model.DecisionCommit:
			delivered = c.deliverCommit(ctx, rec.TxnID, rec.CommitTS, rec.Participants)
			metrics.RecoveredDecisions.WithLabelValues("commit").Inc()
		case model.DecisionAbort:
			delivered = c.abortParticipants(ctx, rec.TxnID, rec.Participants)
			metrics.RecoveredDecisions.WithLabelValues("abort").Inc()
		}
		if delivered {
			if err := c.decisions.MarkApplied(ctx, rec.TxnID); err != nil {
				c.logger.Warn("marking recovered decision applied failed",
					zap.String("txn", rec.TxnID), zap.Error(err))
			}
		}
		c.logger.Info("replayed transaction decision",
			zap.String("txn", rec.TxnID),
			zap.Int("decision", int(rec.Decision)),
			zap.Int("participants", len(rec.Participants)))
	}
	return nil
}

// Watermark returns the highest timestamp below every active
// transaction's snapshot. Versions older than the newest-committed one
// at or below the watermark can be garbage collected.
func (c *Coordinator) Watermark() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	low := c.clock.Last()
	for _, t := range c.active {
		if t.StartTS-1 < low {
			low = t.StartTS - 1
		}
	}
	return low
}

// PruneDecisions drops applied decision records older than the cutoff.
// Unapplied records are never pruned; recovery still owes them delivery.
func (c *Coordinator) PruneDecisions(ctx context.Context, olderThan time.Time) (int, error) {
	return c.decisions.Prune(ctx, olderThan)
}

// StartReaper launches the idle-transaction reaper. Stop with
// StopReaper.
func (c *Coordinator) StartReaper(interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	c.stopReaper = make(chan struct{})
	c.reaperDone = make(chan struct{})
	go func() {
		defer close(c.reaperDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopReaper:
				return
			case <-ticker.C:
				c.reapIdle(time.Now())
			}
		}
	}()
}

// StopReaper stops the reaper and waits for it to exit.
func (c *Coordinator) StopReaper() {
	if c.stopReaper == nil {
		return
	}
	close(c.stopReaper)
	<-c.reaperDone
	c.stopReaper = nil
}

// reapIdle aborts transactions idle past the timeout.
func (c *Coordinator) reapIdle(now time.Time) {
	c.mu.Lock()
	var expired []*Txn
	for _, t := range c.active {
		t.mu.Lock()
		if t.state == model.TxnActive && now.Sub(t.lastActive) > c.opts.IdleTimeout {
			expired = append(expired, t)
		}
		t.mu.Unlock()
	}
	c.mu.Unlock()

	for _, t := range expired {
		t.mu.Lock()
		refs := t.participants()
		t.mu.Unlock()

		c.logger.Info("reaping idle transaction", zap.String("txn", t.ID))
		c.abortParticipants(context.Background(), t.ID, refs)
		c.finish(t, model.TxnAborted, "expired")
	}
}

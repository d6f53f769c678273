// Package scheduler drives the four periodic/one-shot task kinds a
// Moderator schedules for each proposal (twap crank, price record, spot
// price record, finalize), resolving the owning Moderator through a Router
// registry each tick rather than holding a direct reference, so tasks
// survive a Moderator being rebuilt on recovery.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/apd/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"futarchyd/crypto"
	"futarchyd/native/futarchy"
	"futarchyd/observability"
)

var tracer = otel.Tracer("futarchyd/scheduler")

// Router is the Scheduler's view of the process-wide moderator registry.
type Router interface {
	ResolveModerator(moderatorID int64) (*futarchy.Moderator, bool)
}

// KeyResolver resolves a signing-key ticker (as named by
// futarchy.SigningKeyRef.Ticker) to usable key material, reading
// MANAGER_PRIVATE_KEY_<TICKER> at the services layer.
type KeyResolver interface {
	Resolve(ticker string) (crypto.SigningKey, error)
}

type runningTask struct {
	task   futarchy.ScheduledTask
	cancel context.CancelFunc
}

// Scheduler implements futarchy.TaskScheduler.
type Scheduler struct {
	mu     sync.Mutex
	tasks  map[string]*runningTask
	router Router
	keys   KeyResolver
	logger *slog.Logger
	nowMs  func() int64
}

// New constructs a Scheduler bound to router and keys. nowFn defaults to
// wall-clock milliseconds; tests override it for determinism.
func New(router Router, keys KeyResolver, logger *slog.Logger, nowFn func() int64) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if nowFn == nil {
		nowFn = func() int64 { return time.Now().UnixMilli() }
	}
	return &Scheduler{
		tasks:  make(map[string]*runningTask),
		router: router,
		keys:   keys,
		logger: logger,
		nowMs:  nowFn,
	}
}

// Schedule implements futarchy.TaskScheduler. Scheduling an already-present
// key is a no-op.
func (s *Scheduler) Schedule(task futarchy.ScheduledTask) error {
	key := futarchy.TaskKey(task.Kind, task.ModeratorID, task.ProposalID)
	s.mu.Lock()
	if _, exists := s.tasks[key]; exists {
		s.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.tasks[key] = &runningTask{task: task, cancel: cancel}
	s.mu.Unlock()

	observability.Futarchy().SetActiveTasks(string(task.Kind), s.activeCount(task.Kind))
	go s.run(ctx, key, task)
	return nil
}

// CancelProposalTasks implements futarchy.TaskScheduler: atomically cancels
// every outstanding task kind for one proposal.
func (s *Scheduler) CancelProposalTasks(moderatorID, proposalID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kind := range []futarchy.ScheduledTaskKind{
		futarchy.TaskTwapCrank, futarchy.TaskPriceRecord, futarchy.TaskSpotPriceRecord, futarchy.TaskFinalize,
	} {
		key := futarchy.TaskKey(kind, moderatorID, proposalID)
		if rt, ok := s.tasks[key]; ok {
			rt.cancel()
			delete(s.tasks, key)
		}
	}
	return nil
}

func (s *Scheduler) activeCount(kind futarchy.ScheduledTaskKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rt := range s.tasks {
		if rt.task.Kind == kind {
			n++
		}
	}
	return n
}

// run is a single task's lifetime loop: wait until FireAt, fire once, and
// for periodic kinds reset to IntervalMs; a one-shot kind (Finalize) exits
// after its single firing. Each kind's ticks never overlap because this
// loop only ever has one fire in flight at a time.
func (s *Scheduler) run(ctx context.Context, key string, task futarchy.ScheduledTask) {
	delay := time.Duration(task.FireAt-s.nowMs()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		s.fire(ctx, task)

		if !task.Kind.Periodic() {
			s.mu.Lock()
			delete(s.tasks, key)
			s.mu.Unlock()
			return
		}
		timer.Reset(time.Duration(task.IntervalMs) * time.Millisecond)
	}
}

func (s *Scheduler) fire(ctx context.Context, task futarchy.ScheduledTask) {
	ctx, span := tracer.Start(ctx, "scheduler."+string(task.Kind), trace.WithAttributes(
		attribute.Int64("moderator_id", task.ModeratorID),
		attribute.Int64("proposal_id", task.ProposalID),
	))
	defer span.End()

	mod, ok := s.router.ResolveModerator(task.ModeratorID)
	if !ok {
		s.logger.Warn("scheduled task has no moderator, cancelling", "kind", task.Kind, "moderator", task.ModeratorID)
		_ = s.CancelProposalTasks(task.ModeratorID, task.ProposalID)
		return
	}

	var err error
	switch task.Kind {
	case futarchy.TaskTwapCrank:
		err = s.crank(ctx, mod, task.ProposalID)
	case futarchy.TaskPriceRecord:
		err = s.recordPrices(ctx, mod, task.ProposalID)
	case futarchy.TaskSpotPriceRecord:
		err = s.recordSpotPrice(ctx, mod, task.ProposalID)
	case futarchy.TaskFinalize:
		err = s.finalize(ctx, mod, task.ProposalID)
	}

	if errors.Is(err, futarchy.ErrProposalNotFound) {
		s.logger.Warn("scheduled task has no proposal, cancelling", "kind", task.Kind, "moderator", task.ModeratorID, "proposal", task.ProposalID)
		_ = s.CancelProposalTasks(task.ModeratorID, task.ProposalID)
		return
	}

	observability.Futarchy().RecordSchedulerRun(string(task.Kind), err)
	if err != nil {
		s.logger.Error("scheduled task failed", "kind", task.Kind, "moderator", task.ModeratorID, "proposal", task.ProposalID, "err", err)
	}
}

// cancelPeriodicTasks removes the three repeating kinds for one proposal,
// leaving the one-shot Finalize in place to fire at its scheduled time.
func (s *Scheduler) cancelPeriodicTasks(moderatorID, proposalID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kind := range []futarchy.ScheduledTaskKind{
		futarchy.TaskTwapCrank, futarchy.TaskPriceRecord, futarchy.TaskSpotPriceRecord,
	} {
		key := futarchy.TaskKey(kind, moderatorID, proposalID)
		if rt, ok := s.tasks[key]; ok {
			rt.cancel()
			delete(s.tasks, key)
		}
	}
}

// crank is the periodic oracle tick: load, crank the oracle, persist, and
// record the new twaps. A crank failure is logged by fire, never propagated.
func (s *Scheduler) crank(ctx context.Context, mod *futarchy.Moderator, proposalID int64) error {
	start := time.Now()
	p, err := mod.Store.LoadProposal(ctx, mod.ID, proposalID)
	if err != nil {
		return err
	}
	now := s.nowMs()
	if now >= p.FinalizedAt {
		s.cancelPeriodicTasks(mod.ID, proposalID)
		return nil
	}
	if err := p.Oracle.Crank(ctx, now); err != nil {
		observability.Futarchy().RecordCrank(proposalKey(mod.ID, proposalID), "error", time.Since(start))
		return err
	}
	if err := mod.Store.SaveProposal(ctx, mod.ID, p); err != nil {
		return err
	}
	twaps, aggs, err := p.Oracle.FetchTwaps(now)
	if err != nil {
		return err
	}
	if err := mod.History.RecordTwap(ctx, mod.ID, proposalID, decimalLikes(twaps), decimalLikes(aggs)); err != nil {
		return err
	}
	observability.Futarchy().RecordCrank(proposalKey(mod.ID, proposalID), "success", time.Since(start))
	return nil
}

// recordPrices samples every market's current price into price_history.
func (s *Scheduler) recordPrices(ctx context.Context, mod *futarchy.Moderator, proposalID int64) error {
	p, err := mod.Store.LoadProposal(ctx, mod.ID, proposalID)
	if err != nil {
		return err
	}
	if s.nowMs() >= p.FinalizedAt {
		s.cancelPeriodicTasks(mod.ID, proposalID)
		return nil
	}
	for i, src := range p.Sources {
		price, err := src.FetchPrice(ctx)
		if err != nil {
			s.logger.Warn("price fetch failed", "moderator", mod.ID, "proposal", proposalID, "market", i, "err", err)
			continue
		}
		if err := mod.History.RecordPrice(ctx, mod.ID, proposalID, i, price); err != nil {
			return err
		}
	}
	return nil
}

// recordSpotPrice samples the underlying spot pool price, market index -1,
// distinguishing it from conditional-market samples.
func (s *Scheduler) recordSpotPrice(ctx context.Context, mod *futarchy.Moderator, proposalID int64) error {
	p, err := mod.Store.LoadProposal(ctx, mod.ID, proposalID)
	if err != nil {
		return err
	}
	if s.nowMs() >= p.FinalizedAt {
		s.cancelPeriodicTasks(mod.ID, proposalID)
		return nil
	}
	if len(p.Sources) == 0 {
		return nil
	}
	price, err := p.Sources[0].FetchPrice(ctx)
	if err != nil {
		return err
	}
	return mod.History.RecordPrice(ctx, mod.ID, proposalID, -1, price)
}

// finalize implements the one-shot Finalize task: resolve the proposal's
// pool authority, finalize, and let Moderator.FinalizeProposal drive the
// settlement and deposit-back path.
func (s *Scheduler) finalize(ctx context.Context, mod *futarchy.Moderator, proposalID int64) error {
	p, err := mod.Store.LoadProposal(ctx, mod.ID, proposalID)
	if err != nil {
		return err
	}
	var authority crypto.SigningKey
	if p.SpotPoolAddress != nil && s.keys != nil {
		ref, err := mod.GetAuthorityForPool(*p.SpotPoolAddress)
		if err == nil {
			if key, kerr := s.keys.Resolve(ref.Ticker); kerr == nil {
				authority = key
			}
		}
	}
	status, winnerIdx, settleErrs, err := mod.FinalizeProposal(ctx, proposalID, s.nowMs(), authority, nil)
	for _, serr := range settleErrs {
		observability.Futarchy().RecordSettlement("finalize", serr)
		s.logger.Warn("settlement step failed", "moderator", mod.ID, "proposal", proposalID, "err", serr)
	}
	if err != nil {
		return err
	}
	if status == futarchy.StatusFinalized && winnerIdx != nil {
		observability.Futarchy().RecordFinalization(*winnerIdx)
	}
	return nil
}

func decimalLikes(values []*apd.Decimal) []futarchy.DecimalLike {
	out := make([]futarchy.DecimalLike, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func proposalKey(moderatorID, proposalID int64) string {
	return futarchy.TaskKey("proposal", moderatorID, proposalID)
}

// Package router is the process-wide moderator registry: one Router per
// process, owning every configured Moderator by id, plus the crash-recovery
// pass that reschedules (or immediately finalizes) every Pending proposal
// at startup.
package router

import (
	"context"
	"log/slog"
	"sync"

	"futarchyd/crypto"
	"futarchyd/native/futarchy"
)

// Store is the subset of store.Store the Router needs at bootstrap and
// recovery, kept narrow so this package does not import the concrete
// persistence package directly.
type Store interface {
	futarchy.PersistenceStore
	ListModerators(ctx context.Context) ([]futarchy.ModeratorRecord, error)
	ListAllPendingProposals(ctx context.Context) (map[int64][]*futarchy.Proposal, error)
}

// Scheduler is the Router's view of the scheduler: it is handed to every
// Moderator LoadModerators builds and used during recovery to reschedule
// proposals that are not yet overdue.
type Scheduler interface {
	futarchy.TaskScheduler
}

// Router owns every Moderator the process is configured to run, keyed by
// id, and resolves them for the Scheduler each tick. It never appears in a
// Moderator's own fields, avoiding the cyclic ownership graph a direct
// back-reference would create.
type Router struct {
	mu         sync.RWMutex
	moderators map[int64]*futarchy.Moderator

	store     Store
	history   futarchy.HistoryStore
	scheduler Scheduler
	withdraw  futarchy.WithdrawAPI
	logger    *slog.Logger
}

// New constructs an empty Router bound to its shared dependencies.
func New(store Store, history futarchy.HistoryStore, scheduler Scheduler, withdraw futarchy.WithdrawAPI, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		moderators: make(map[int64]*futarchy.Moderator),
		store:      store,
		history:    history,
		scheduler:  scheduler,
		withdraw:   withdraw,
		logger:     logger,
	}
}

// ResolveModerator implements scheduler.Router.
func (r *Router) ResolveModerator(moderatorID int64) (*futarchy.Moderator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.moderators[moderatorID]
	return m, ok
}

// SetScheduler binds the Scheduler after construction, needed at startup
// because the Scheduler itself depends on resolving Moderators through this
// Router: Router.New(..., nil, ...) then SetScheduler breaks the cycle.
func (r *Router) SetScheduler(scheduler Scheduler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduler = scheduler
}

// RegisterModerator installs a Moderator into the registry, replacing any
// prior entry for the same id.
func (r *Router) RegisterModerator(m *futarchy.Moderator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.moderators[m.ID] = m
}

// LoadModerators reads every persisted moderator row and constructs its
// in-memory Moderator, wiring the shared Store/History/Scheduler/Withdraw
// dependencies. Called once at startup before RecoverPendingProposals.
func (r *Router) LoadModerators(ctx context.Context) error {
	records, err := r.store.ListModerators(ctx)
	if err != nil {
		return futarchy.Wrap(futarchy.ErrKindPersistence, 0, 0, err, "load moderators")
	}
	for _, rec := range records {
		m := futarchy.NewModerator(rec, r.store, r.history, r.scheduler, r.withdraw)
		r.RegisterModerator(m)
	}
	r.logger.Info("loaded moderators", "count", len(records))
	return nil
}

// KeyResolver resolves a ticker to signing key material, used only during
// recovery's immediate-finalize path.
type KeyResolver interface {
	Resolve(ticker string) (crypto.SigningKey, error)
}

// RecoverPendingProposals runs once at startup:
// for every proposal still Pending, either finalize it
// immediately (if its deadline has already passed) or reschedule all four
// of its task kinds at their original cadence, observationally equivalent
// to the process never having restarted save for at most one skipped tick.
func (r *Router) RecoverPendingProposals(ctx context.Context, now int64, keys KeyResolver) error {
	byModerator, err := r.store.ListAllPendingProposals(ctx)
	if err != nil {
		return futarchy.Wrap(futarchy.ErrKindPersistence, 0, 0, err, "list pending proposals")
	}
	for moderatorID, proposals := range byModerator {
		mod, ok := r.ResolveModerator(moderatorID)
		if !ok {
			r.logger.Warn("pending proposals for unknown moderator", "moderator", moderatorID)
			continue
		}
		for _, p := range proposals {
			if now >= p.FinalizedAt {
				r.recoverOverdue(ctx, mod, p, now, keys)
				continue
			}
			r.rescheduleProposal(mod, p, now)
		}
	}
	return nil
}

func (r *Router) recoverOverdue(ctx context.Context, mod *futarchy.Moderator, p *futarchy.Proposal, now int64, keys KeyResolver) {
	var authority crypto.SigningKey
	if p.SpotPoolAddress != nil && keys != nil {
		if ref, err := mod.GetAuthorityForPool(*p.SpotPoolAddress); err == nil {
			if key, err := keys.Resolve(ref.Ticker); err == nil {
				authority = key
			}
		}
	}
	_, _, settleErrs, err := mod.FinalizeProposal(ctx, p.ID, now, authority, nil)
	for _, serr := range settleErrs {
		r.logger.Warn("recovery settlement step failed", "moderator", mod.ID, "proposal", p.ID, "err", serr)
	}
	if err != nil {
		r.logger.Error("recovery finalize failed", "moderator", mod.ID, "proposal", p.ID, "err", err)
	}
}

func (r *Router) rescheduleProposal(mod *futarchy.Moderator, p *futarchy.Proposal, now int64) {
	tasks := []futarchy.ScheduledTask{
		{Kind: futarchy.TaskTwapCrank, ModeratorID: mod.ID, ProposalID: p.ID, IntervalMs: p.Oracle.MinUpdateIntervalMs(), FireAt: now},
		{Kind: futarchy.TaskPriceRecord, ModeratorID: mod.ID, ProposalID: p.ID, IntervalMs: 5000, FireAt: now},
	}
	if p.SpotPoolAddress != nil {
		tasks = append(tasks, futarchy.ScheduledTask{Kind: futarchy.TaskSpotPriceRecord, ModeratorID: mod.ID, ProposalID: p.ID, IntervalMs: 60000, FireAt: now})
	}
	tasks = append(tasks, futarchy.ScheduledTask{Kind: futarchy.TaskFinalize, ModeratorID: mod.ID, ProposalID: p.ID, FireAt: p.FinalizedAt + 1000})
	for _, t := range tasks {
		if err := r.scheduler.Schedule(t); err != nil {
			r.logger.Error("recovery reschedule failed", "moderator", mod.ID, "proposal", p.ID, "kind", t.Kind, "err", err)
		}
	}
}

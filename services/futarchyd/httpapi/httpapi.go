// Package httpapi exposes a small read-only status API over the engine's
// persisted moderators and proposals, the chi-routed counterpart to the
// gateway's request surface but scoped to this daemon's own data.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"futarchyd/native/futarchy"
)

// Store is the narrow read surface this API needs.
type Store interface {
	ListModerators(ctx context.Context) ([]futarchy.ModeratorRecord, error)
	LoadProposal(ctx context.Context, moderatorID, proposalID int64) (*futarchy.Proposal, error)
	ListPendingProposals(ctx context.Context, moderatorID int64) ([]*futarchy.Proposal, error)
}

// API wires the status handlers onto a chi.Router.
type API struct {
	store    Store
	feed     PriceFeed
	logger   *slog.Logger
	nowMs    func() int64
	requests metric.Int64Counter
}

// New constructs an API. feed may be nil, disabling the live price stream;
// a nil nowFn defaults to wall-clock milliseconds.
func New(store Store, feed PriceFeed, logger *slog.Logger, nowFn func() int64) *API {
	if logger == nil {
		logger = slog.Default()
	}
	if nowFn == nil {
		nowFn = func() int64 { return time.Now().UnixMilli() }
	}
	requests, err := otel.Meter("futarchyd/httpapi").Int64Counter("futarchyd.status.requests")
	if err != nil {
		logger.Warn("status request counter unavailable", "err", err)
	}
	return &API{store: store, feed: feed, logger: logger, nowMs: nowFn, requests: requests}
}

// Routes builds the handler tree, optionally behind a rate limiter.
func (a *API) Routes(limiter *RateLimiter) http.Handler {
	r := chi.NewRouter()
	if limiter != nil {
		r.Use(limiter.Middleware)
	}
	r.Use(a.countRequests)
	r.Get("/healthz", a.handleHealthz)
	r.Get("/moderators", a.handleListModerators)
	r.Get("/moderators/{moderatorID}/proposals/{proposalID}", a.handleGetProposal)
	r.Get("/moderators/{moderatorID}/proposals/{proposalID}/prices/live", a.handlePriceStream)
	r.Get("/moderators/{moderatorID}/proposals", a.handleListPending)
	return r
}

func (a *API) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.requests != nil {
			a.requests.Add(r.Context(), 1, metric.WithAttributes(attribute.String("path", r.URL.Path)))
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *API) handleListModerators(w http.ResponseWriter, r *http.Request) {
	records, err := a.store.ListModerators(r.Context())
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	a.writeJSON(w, records)
}

func (a *API) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	moderatorID, proposalID, ok := a.pathIDs(w, r)
	if !ok {
		return
	}
	proposal, err := a.store.LoadProposal(r.Context(), moderatorID, proposalID)
	if err != nil {
		a.writeError(w, http.StatusNotFound, err)
		return
	}
	status, err := proposal.GetStatusInfo(a.nowMs())
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	a.writeJSON(w, proposalView{
		ID:          proposal.ID,
		ModeratorID: proposal.ModeratorID,
		Title:       proposal.Title,
		Status:      status.Status.String(),
		WinnerIndex: status.WinnerIndex,
		WinnerLabel: status.WinnerLabel,
		CreatedAt:   proposal.CreatedAt,
		FinalizedAt: proposal.FinalizedAt,
	})
}

func (a *API) handleListPending(w http.ResponseWriter, r *http.Request) {
	moderatorID, err := strconv.ParseInt(chi.URLParam(r, "moderatorID"), 10, 64)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	proposals, err := a.store.ListPendingProposals(r.Context(), moderatorID)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]proposalView, 0, len(proposals))
	for _, p := range proposals {
		views = append(views, proposalView{
			ID:          p.ID,
			ModeratorID: p.ModeratorID,
			Title:       p.Title,
			Status:      p.Status.String(),
			CreatedAt:   p.CreatedAt,
			FinalizedAt: p.FinalizedAt,
		})
	}
	a.writeJSON(w, views)
}

func (a *API) pathIDs(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	moderatorID, err := strconv.ParseInt(chi.URLParam(r, "moderatorID"), 10, 64)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return 0, 0, false
	}
	proposalID, err := strconv.ParseInt(chi.URLParam(r, "proposalID"), 10, 64)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return 0, 0, false
	}
	return moderatorID, proposalID, true
}

type proposalView struct {
	ID          int64   `json:"id"`
	ModeratorID int64   `json:"moderator_id"`
	Title       string  `json:"title"`
	Status      string  `json:"status"`
	WinnerIndex *int    `json:"winner_index,omitempty"`
	WinnerLabel *string `json:"winner_label,omitempty"`
	CreatedAt   int64   `json:"created_at"`
	FinalizedAt int64   `json:"finalized_at"`
}

func (a *API) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("encode response failed", "err", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/strikekeeper/internal/domain"
	"github.com/alanyoungcy/strikekeeper/internal/metrics"
	"github.com/alanyoungcy/strikekeeper/internal/reconcile"
)

// SettlerSource resolves the signer acting for a user's wallet.
type SettlerSource interface {
	SettlerFor(ctx context.Context, user domain.User) (domain.Settler, error)
}

// KeeperSettler is the keeper's own account, used by Sweep.
type KeeperSettler interface {
	domain.Settler
	KeeperAddress() common.Address
}

// Service ties plan computation to execution behind the single-flight guard.
type Service struct {
	users    domain.LedgerStore
	engine   *reconcile.Engine
	exec     *Executor
	guard    *Guard
	settlers SettlerSource
	keeper   KeeperSettler
	logger   *slog.Logger
}

// NewService creates a Service. settlers or keeper may be nil when the
// corresponding operation is not offered by this process.
func NewService(users domain.LedgerStore, engine *reconcile.Engine, exec *Executor, guard *Guard, settlers SettlerSource, keeper KeeperSettler, logger *slog.Logger) *Service {
	if guard == nil {
		guard = NewGuard(nil, 0)
	}
	return &Service{
		users:    users,
		engine:   engine,
		exec:     exec,
		guard:    guard,
		settlers: settlers,
		keeper:   keeper,
		logger:   logger.With(slog.String("component", "settlement_service")),
	}
}

// Preview computes the user's current plan without executing it.
func (s *Service) Preview(ctx context.Context, userID int64) (reconcile.Plan, error) {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return reconcile.Plan{}, fmt.Errorf("settlement: get user %d: %w", userID, err)
	}
	return s.engine.Plan(ctx, user)
}

// Settle recomputes the user's plan from chain state and executes it. Only
// setup problems are returned as errors: an unknown user, a missing signer or
// a run already in progress. Item failures are in the report.
func (s *Service) Settle(ctx context.Context, userID int64, progress ProgressFunc) (domain.Report, error) {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return domain.Report{}, fmt.Errorf("settlement: get user %d: %w", userID, err)
	}
	if s.settlers == nil {
		return domain.Report{}, fmt.Errorf("settlement: %w", domain.ErrNoSigner)
	}
	settler, err := s.settlers.SettlerFor(ctx, user)
	if err != nil {
		return domain.Report{}, fmt.Errorf("settlement: settler for user %d: %w", userID, err)
	}

	release, err := s.guard.Acquire(ctx, UserKey(userID))
	if err != nil {
		if errors.Is(err, domain.ErrSettlementInProgress) {
			metrics.SettlementRuns.WithLabelValues("rejected").Inc()
		}
		return domain.Report{}, err
	}
	defer release()

	plan, err := s.engine.Plan(ctx, user)
	if err != nil {
		return domain.Report{}, err
	}
	return s.exec.Execute(ctx, uuid.NewString(), user, settler, plan.Items, progress), nil
}

// SweepResult is the outcome of a keeper sweep.
type SweepResult struct {
	Scanned int            `json:"scanned"`
	Plan    reconcile.Plan `json:"plan"`
	Report  domain.Report  `json:"report"`
}

// Sweep claims and refunds every position the keeper account holds across
// the whole factory registry.
func (s *Service) Sweep(ctx context.Context, progress ProgressFunc) (SweepResult, error) {
	if s.keeper == nil {
		return SweepResult{}, fmt.Errorf("settlement: sweep: %w", domain.ErrNoSigner)
	}
	release, err := s.guard.Acquire(ctx, SweepKey)
	if err != nil {
		return SweepResult{}, err
	}
	defer release()

	wallet := s.keeper.KeeperAddress()
	plan, err := s.engine.ClassifyRegistry(ctx, wallet)
	if err != nil {
		return SweepResult{}, err
	}
	c := plan.Classification
	scanned := len(c.Active) + len(c.Resolved) + len(c.Cancelled)
	s.logger.InfoContext(ctx, "sweep planned",
		slog.String("wallet", wallet.Hex()),
		slog.Int("markets", scanned),
		slog.Int("items", len(plan.Items)),
	)

	keeperUser := domain.User{Username: "keeper", Wallet: wallet}
	rep := s.exec.Execute(ctx, uuid.NewString(), keeperUser, s.keeper, plan.Items, progress)
	return SweepResult{Scanned: scanned, Plan: plan, Report: rep}, nil
}

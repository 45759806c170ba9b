// Package settlement executes claim and refund plans one transaction at a
// time and reports per-item results.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/strikekeeper/internal/domain"
	"github.com/alanyoungcy/strikekeeper/internal/metrics"
)

// ProgressFunc receives an update before each item is attempted.
type ProgressFunc func(domain.Progress)

// Executor runs settlement plans. Every sink is optional.
type Executor struct {
	audit   domain.AuditStore
	bus     domain.SignalBus
	archive domain.ReportArchiver
	now     func() time.Time
	logger  *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithAudit records each finished run in the audit log.
func WithAudit(a domain.AuditStore) ExecutorOption { return func(e *Executor) { e.audit = a } }

// WithBus publishes progress and completion events on the settlement channel
// and appends reports to the settlement stream.
func WithBus(b domain.SignalBus) ExecutorOption { return func(e *Executor) { e.bus = b } }

// WithArchive copies finished reports to cold storage.
func WithArchive(a domain.ReportArchiver) ExecutorOption { return func(e *Executor) { e.archive = a } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ExecutorOption { return func(e *Executor) { e.now = now } }

// NewExecutor creates an Executor.
func NewExecutor(logger *slog.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{now: time.Now, logger: logger.With(slog.String("component", "settlement"))}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute settles items strictly in order. A failed item is recorded and the
// run moves on; Execute itself never fails.
func (e *Executor) Execute(ctx context.Context, runID string, user domain.User, settler domain.Settler, items []domain.PlanItem, progress ProgressFunc) domain.Report {
	rep := domain.Report{
		RunID:     runID,
		UserID:    user.ID,
		Wallet:    user.Wallet,
		StartedAt: e.now().UTC(),
		Results:   make([]domain.ItemResult, 0, len(items)),
	}
	log := e.logger.With(slog.String("run_id", runID), slog.Int64("user_id", user.ID))
	log.InfoContext(ctx, "settlement started", slog.Int("items", len(items)))

	for i, item := range items {
		p := domain.Progress{RunID: runID, Index: i + 1, Total: len(items), Label: item.Label()}
		if progress != nil {
			progress(p)
		}
		e.publish(ctx, domain.EventSettlementProgress, p)

		res := e.settle(ctx, settler, item)
		rep.Record(res)

		outcome := "ok"
		if !res.Success {
			outcome = "failed"
			attrs := []any{
				slog.String("market", item.Market.Hex()),
				slog.String("action", string(item.Action)),
				slog.String("kind", string(res.Kind)),
				slog.String("error", res.Error),
			}
			if res.TxHash != (common.Hash{}) {
				attrs = append(attrs, slog.String("tx", res.TxHash.Hex()))
			}
			log.WarnContext(ctx, "settlement item failed", attrs...)
		} else {
			log.InfoContext(ctx, "settlement item done",
				slog.String("market", item.Market.Hex()),
				slog.String("action", string(item.Action)),
				slog.String("tx", res.TxHash.Hex()),
			)
		}
		metrics.SettlementItems.WithLabelValues(string(item.Action), outcome).Inc()
	}

	rep.FinishedAt = e.now().UTC()
	e.finish(ctx, rep)
	log.InfoContext(ctx, "settlement finished",
		slog.Int("attempted", rep.Attempted),
		slog.Int("succeeded", rep.Succeeded),
		slog.Int("failed", rep.Failed),
	)
	return rep
}

func (e *Executor) settle(ctx context.Context, settler domain.Settler, item domain.PlanItem) domain.ItemResult {
	var (
		rcpt domain.Receipt
		err  error
	)
	switch item.Action {
	case domain.ActionClaim:
		rcpt, err = settler.Claim(ctx, item.Market)
	case domain.ActionRefund:
		rcpt, err = settler.Refund(ctx, item.Market)
	default:
		err = errors.New("settlement: unknown action " + string(item.Action))
	}

	res := domain.ItemResult{Item: item, TxHash: rcpt.TxHash}
	if err != nil {
		if h, ok := domain.TxHashOf(err); ok {
			res.TxHash = h
		}
		res.Kind = domain.KindOf(err)
		res.Error = err.Error()
		return res
	}
	res.Success = true
	return res
}

func (e *Executor) finish(ctx context.Context, rep domain.Report) {
	switch {
	case rep.Attempted == 0:
		metrics.SettlementRuns.WithLabelValues("empty").Inc()
	case rep.Failed > 0:
		metrics.SettlementRuns.WithLabelValues("partial").Inc()
	default:
		metrics.SettlementRuns.WithLabelValues("clean").Inc()
	}

	e.publish(ctx, domain.EventSettlementCompleted, rep)

	if e.bus != nil && rep.Attempted > 0 {
		if payload, err := json.Marshal(rep); err == nil {
			if err := e.bus.StreamAppend(ctx, domain.StreamSettlements, payload); err != nil {
				e.logger.WarnContext(ctx, "report stream append failed", slog.String("error", err.Error()))
			}
		}
	}

	if e.audit != nil {
		detail := map[string]any{
			"run_id":    rep.RunID,
			"user_id":   rep.UserID,
			"wallet":    rep.Wallet.Hex(),
			"attempted": rep.Attempted,
			"succeeded": rep.Succeeded,
			"failed":    rep.Failed,
		}
		event := domain.AuditSettlementCompleted
		if rep.UserID == 0 {
			event = domain.AuditSweepCompleted
		}
		if err := e.audit.Log(ctx, event, detail); err != nil {
			e.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}

	if e.archive != nil && rep.Attempted > 0 {
		path, err := e.archive.ArchiveReport(ctx, rep)
		if err != nil {
			e.logger.WarnContext(ctx, "report archive failed", slog.String("error", err.Error()))
		} else {
			e.logger.DebugContext(ctx, "report archived", slog.String("path", path))
		}
	}
}

func (e *Executor) publish(ctx context.Context, typ string, data any) {
	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.Event{Type: typ, Time: e.now().UTC(), Data: data})
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, domain.ChannelSettlement, payload); err != nil {
		e.logger.DebugContext(ctx, "settlement event publish failed", slog.String("error", err.Error()))
	}
}

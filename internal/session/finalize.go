package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

// finalizeLoop retries finalize with exponential backoff until it succeeds
// or the manager shuts down, then flushes the match_finished fact the same
// way. A failing fact sink never holds back the settlement.
func (mgr *Manager) finalizeLoop(m *match) {
	defer mgr.wg.Done()

	settled := mgr.retry(func() error {
		_, err := mgr.finalize(mgr.ctx, m)
		return err
	}, func(attempt int, delay time.Duration, err error) {
		mgr.logger.Error("settlement failed",
			slog.String("match_id", m.id),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", delay),
			slog.String("error", err.Error()),
		)
		if attempt == 1 {
			mgr.alert("settlement_failed", "Settlement failed",
				fmt.Sprintf("match %s: %v (retrying)", m.id, err))
		}
	})
	if !settled {
		return
	}

	mgr.retry(func() error {
		return mgr.flushFact(mgr.ctx, m)
	}, func(attempt int, delay time.Duration, err error) {
		mgr.logger.Error("append match_finished failed",
			slog.String("match_id", m.id),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", delay),
			slog.String("error", err.Error()),
		)
	})
}

// retry runs op until it succeeds, backing off between attempts. It reports
// false if the manager shut down first.
func (mgr *Manager) retry(op func() error, onErr func(attempt int, delay time.Duration, err error)) bool {
	delay := mgr.cfg.FinalizeBaseDelay
	for attempt := 1; ; attempt++ {
		if mgr.ctx.Err() != nil {
			return false
		}
		err := op()
		if err == nil {
			return true
		}
		if mgr.ctx.Err() != nil {
			return false
		}
		onErr(attempt, delay, err)

		timer := time.NewTimer(delay)
		select {
		case <-mgr.ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
		delay *= 2
		if delay > mgr.cfg.FinalizeMaxDelay {
			delay = mgr.cfg.FinalizeMaxDelay
		}
	}
}

// finalize commits the match to the durable tier, settles or refunds the
// escrow and records the settlement durably. Only then are the terminal
// event and the match_finished fact published. It runs to completion at most
// once per match; later calls return the stored settlement.
func (mgr *Manager) finalize(ctx context.Context, m *match) (domain.Settlement, error) {
	m.finMu.Lock()
	defer m.finMu.Unlock()

	m.mu.Lock()
	if m.settlement != nil {
		st := *m.settlement
		m.mu.Unlock()
		return st, nil
	}
	id, status, winner := m.id, m.status, m.winner
	m.mu.Unlock()

	if !status.Terminal() {
		return domain.Settlement{}, fmt.Errorf("session: finalize %s: match is %s: %w", id, status, domain.ErrConflict)
	}

	if err := mgr.deps.Router.Commit(ctx, id); err != nil {
		return domain.Settlement{}, fmt.Errorf("session: finalize %s: commit: %w", id, err)
	}

	var (
		st  domain.Settlement
		err error
	)
	if status == domain.StatusFinished {
		st, err = mgr.deps.Ledger.Settle(ctx, id, domain.WinnerPayout(winner))
	} else {
		st, err = mgr.deps.Ledger.Refund(ctx, id)
	}
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("session: finalize %s: ledger: %w", id, err)
	}

	if mgr.deps.Signer != nil {
		receipt, err := mgr.deps.Signer.SignSettlement(st)
		if err != nil {
			return domain.Settlement{}, fmt.Errorf("session: finalize %s: sign receipt: %w", id, err)
		}
		st.Receipt = receipt
	}

	op := domain.Operation{
		Kind:       domain.OpSettlement,
		MatchID:    id,
		Settlement: &st,
		At:         time.Now().UTC(),
	}
	if _, err := mgr.deps.Router.Execute(ctx, op, false); err != nil {
		return domain.Settlement{}, fmt.Errorf("session: finalize %s: record settlement: %w", id, err)
	}

	m.mu.Lock()
	m.settlement = &st
	m.factPending = mgr.deps.Facts != nil
	snap := m.snapshot()
	reason := m.reason
	recipients := m.participants()
	m.mu.Unlock()

	evtType := domain.EventGameFinished
	if status == domain.StatusAbandoned {
		evtType = domain.EventGameAbandoned
	}
	mgr.emit(domain.NewEvent(evtType, id, recipients, snap))

	if err := mgr.appendFact(ctx, m); err != nil {
		mgr.logger.WarnContext(ctx, "match_finished append deferred",
			slog.String("match_id", id),
			slog.String("error", err.Error()),
		)
	}
	if mgr.deps.Hints != nil {
		for _, pid := range recipients {
			if err := mgr.deps.Hints.Forget(ctx, pid); err != nil {
				mgr.logger.Warn("forget session hint failed",
					slog.String("participant", pid),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	mgr.logger.InfoContext(ctx, "match settled",
		slog.String("match_id", id),
		slog.String("status", string(st.Status)),
		slog.String("winner", st.Winner),
		slog.String("pot", st.Pot.String()),
		slog.String("fee", st.Fee.String()),
		slog.String("payout", st.Payout.String()),
	)
	if status == domain.StatusFinished {
		mgr.alert("match_finished", "Match finished",
			fmt.Sprintf("match %s won by %s (%s), payout %s %s", id, st.Winner, reason, st.Payout, st.Currency))
	}

	time.AfterFunc(mgr.cfg.Retention, func() {
		mgr.mu.Lock()
		delete(mgr.matches, id)
		mgr.mu.Unlock()
	})
	return st, nil
}

// flushFact appends a pending match_finished fact.
func (mgr *Manager) flushFact(ctx context.Context, m *match) error {
	m.finMu.Lock()
	defer m.finMu.Unlock()
	return mgr.appendFact(ctx, m)
}

// appendFact records the match_finished fact once. The caller holds finMu.
func (mgr *Manager) appendFact(ctx context.Context, m *match) error {
	m.mu.Lock()
	pending := m.factPending
	fact := m.fact()
	m.mu.Unlock()
	if !pending {
		return nil
	}

	if err := mgr.deps.Facts.AppendFinished(ctx, fact); err != nil {
		return fmt.Errorf("session: append match_finished %s: %w", m.id, err)
	}
	m.mu.Lock()
	m.factPending = false
	m.mu.Unlock()
	return nil
}

func (mgr *Manager) alert(event, title, message string) {
	if mgr.deps.Alerts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := mgr.deps.Alerts.Notify(ctx, event, title, message); err != nil {
		mgr.logger.Warn("alert failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

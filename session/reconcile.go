package session

import (
	"context"
	"errors"
	"time"
)

// Reconcile creates a session for every backend account without a live
// one. Accounts parked in Failed get a fresh session.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	if m.accounts == nil {
		return 0, nil
	}
	ids, err := m.accounts.ListAccounts(ctx)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, id := range ids {
		if id == "" {
			continue
		}
		if h, ok := m.registry.Get(id); ok && h.State().Live() {
			continue
		}
		switch err := m.CreateSession(ctx, id); {
		case err == nil:
			created++
		case errors.Is(err, ErrConflict):
		default:
			m.logFor(id).Error().Err(err).Msg("Reconcile could not create session")
		}
	}
	return created, nil
}

// RunReconciler reconciles immediately and then every interval until ctx
// ends.
func (m *Manager) RunReconciler(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		created, err := m.Reconcile(ctx)
		if err != nil {
			m.log.Error().Err(err).Msg("Account reconciliation failed")
		} else if created > 0 {
			m.log.Info().Int("created", created).Msg("Reconciled accounts")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

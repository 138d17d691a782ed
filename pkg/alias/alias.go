package alias

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/indexops/bluegreen/pkg/gateway"
	"github.com/indexops/bluegreen/pkg/log"
	"github.com/indexops/bluegreen/pkg/metrics"
	"github.com/indexops/bluegreen/pkg/types"
)

// Manager performs atomic alias rebinding and retains the immediately
// prior binding until the owning job confirms completion, so rollback is
// a single Bind back to the prior target. The rebind is always one
// backend call; a remove-then-add sequence would open a window with no
// bound index.
type Manager struct {
	gw     gateway.Gateway
	logger zerolog.Logger

	mu    sync.Mutex
	prior map[string]string
}

// NewManager creates a Manager over gw.
func NewManager(gw gateway.Gateway) *Manager {
	return &Manager{
		gw:     gw,
		logger: log.WithComponent("alias"),
		prior:  make(map[string]string),
	}
}

// Bind atomically rebinds alias to newTarget and returns what it pointed
// to before. The prior binding is retained for Rollback until Forget.
func (m *Manager) Bind(ctx context.Context, alias, newTarget string) (string, error) {
	current, err := m.gw.ResolveAlias(ctx, alias)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return "", fmt.Errorf("resolve alias %s: %w", alias, err)
	}

	timer := metrics.NewTimer()
	priorTarget, err := m.gw.SwapAlias(ctx, alias, current, newTarget)
	timer.ObserveDuration(metrics.AliasSwapDuration)
	if err != nil {
		metrics.AliasSwapsTotal.WithLabelValues("failure").Inc()
		return "", fmt.Errorf("%w: %v", types.ErrAliasSwapFailed, err)
	}
	metrics.AliasSwapsTotal.WithLabelValues("success").Inc()

	m.mu.Lock()
	m.prior[alias] = priorTarget
	m.mu.Unlock()

	m.logger.Info().
		Str("alias", alias).
		Str("from", priorTarget).
		Str("to", newTarget).
		Msg("Alias rebound")
	return priorTarget, nil
}

// Rollback rebinds alias to its retained prior target in one step.
func (m *Manager) Rollback(ctx context.Context, alias string) error {
	m.mu.Lock()
	priorTarget, ok := m.prior[alias]
	m.mu.Unlock()
	if !ok || priorTarget == "" {
		return fmt.Errorf("no prior binding retained for alias %s", alias)
	}

	if _, err := m.Bind(ctx, alias, priorTarget); err != nil {
		return err
	}
	m.logger.Info().
		Str("alias", alias).
		Str("restored", priorTarget).
		Msg("Alias rolled back to prior binding")
	return nil
}

// Current resolves the live binding from the backend. The binding is
// never cached: the alias itself is the single source of truth.
func (m *Manager) Current(ctx context.Context, alias string) (string, error) {
	return m.gw.ResolveAlias(ctx, alias)
}

// Prior returns the retained prior binding, if any.
func (m *Manager) Prior(alias string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prior[alias]
	return p, ok
}

// Forget drops the retained prior binding once a job is confirmed done.
func (m *Manager) Forget(alias string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.prior, alias)
}

// ConfirmUnchanged reports whether alias still points at expected. Used
// after a failed swap to decide whether a retry is safe: a confirmed
// unchanged binding means no partial state was left behind.
func (m *Manager) ConfirmUnchanged(ctx context.Context, alias, expected string) (bool, error) {
	current, err := m.gw.ResolveAlias(ctx, alias)
	if err != nil {
		return false, err
	}
	return current == expected, nil
}

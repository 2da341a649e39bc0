package orchestrator

import (
	"context"
	"fmt"
	"time"

	"application-lifecycle/internal/common/metrics"
	"application-lifecycle/internal/models"
)

const hookTimeout = 15 * time.Second

// Hook reacts to a committed step change. Hooks run in registration order
// after the commit; a failing hook never affects the commit or the hooks
// after it.
type Hook interface {
	Name() string
	AfterCommit(ctx context.Context, state *models.ApplicationState, change models.StatusChange) error
}

// HookFunc adapts a function to Hook.
type HookFunc struct {
	HookName string
	Fn       func(ctx context.Context, state *models.ApplicationState, change models.StatusChange) error
}

func (h HookFunc) Name() string { return h.HookName }

func (h HookFunc) AfterCommit(ctx context.Context, state *models.ApplicationState, change models.StatusChange) error {
	return h.Fn(ctx, state, change)
}

type reactionKey struct{}

// WithinReaction marks ctx as belonging to a hook. Mutations made with such
// a context commit normally but do not run hooks again.
func WithinReaction(ctx context.Context) context.Context {
	return context.WithValue(ctx, reactionKey{}, true)
}

// InReaction reports whether ctx was derived from WithinReaction.
func InReaction(ctx context.Context) bool {
	v, _ := ctx.Value(reactionKey{}).(bool)
	return v
}

// Use appends hooks to the post-commit list. Call before serving.
func (s *Service) Use(hooks ...Hook) {
	s.hooks = append(s.hooks, hooks...)
}

func (s *Service) runHooks(ctx context.Context, state *models.ApplicationState, change models.StatusChange) {
	if len(s.hooks) == 0 || InReaction(ctx) {
		return
	}

	// Hooks outlive a disconnected client but not the hook timeout.
	rctx, cancel := context.WithTimeout(WithinReaction(context.WithoutCancel(ctx)), hookTimeout)
	defer cancel()

	for _, h := range s.hooks {
		s.runHook(rctx, h, copyState(state), change)
	}
}

func (s *Service) runHook(ctx context.Context, h Hook, state *models.ApplicationState, change models.StatusChange) {
	log := s.logger.WithFields(map[string]interface{}{
		"hook":      h.Name(),
		"sessionId": state.SessionID,
		"from":      change.Old,
		"to":        change.New,
	})

	defer func() {
		if r := recover(); r != nil {
			metrics.HookFailures.WithLabelValues(h.Name()).Inc()
			log.Error("Post-commit hook panicked", map[string]interface{}{
				"panic": fmt.Sprint(r),
			})
		}
	}()

	if err := h.AfterCommit(ctx, state, change); err != nil {
		metrics.HookFailures.WithLabelValues(h.Name()).Inc()
		log.WithError(err).Warn("Post-commit hook failed", nil)
	}
}

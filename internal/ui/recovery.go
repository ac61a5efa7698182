package ui

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"
)

// RecoveryHandler reruns the program after a panic. The model is created
// once, so rows already shown survive a restart.
type RecoveryHandler struct {
	logger       *zap.Logger
	restartDelay time.Duration
	maxRestarts  int
	restartCount int
	mu           sync.Mutex
	options      []tea.ProgramOption
}

// NewRecoveryHandler creates a new recovery handler
func NewRecoveryHandler(logger *zap.Logger, opts ...tea.ProgramOption) *RecoveryHandler {
	return &RecoveryHandler{
		logger:       logger.Named("ui"),
		restartDelay: time.Second,
		maxRestarts:  3,
		options:      opts,
	}
}

// SetRestartPolicy overrides the delay between restarts and the restart limit.
func (rh *RecoveryHandler) SetRestartPolicy(delay time.Duration, maxRestarts int) {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	rh.restartDelay = delay
	rh.maxRestarts = maxRestarts
}

// RunWithRecovery runs model until it quits, ctx ends or it crashed too often.
func (rh *RecoveryHandler) RunWithRecovery(ctx context.Context, model tea.Model) error {
	for {
		err := rh.runUI(ctx, model)
		if err == nil || ctx.Err() != nil {
			return nil
		}

		rh.mu.Lock()
		rh.restartCount++
		count, limit, delay := rh.restartCount, rh.maxRestarts, rh.restartDelay
		rh.mu.Unlock()

		if count > limit {
			return fmt.Errorf("UI crashed too many times (%d), giving up: %w", limit, err)
		}

		rh.logger.Error("UI crashed, will restart",
			zap.Error(err),
			zap.Int("restart_count", count),
			zap.Duration("delay", delay))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

func (rh *RecoveryHandler) runUI(ctx context.Context, model tea.Model) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("UI panic: %v", r)
			rh.logger.Error("UI panic recovered",
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
		}
	}()

	opts := append([]tea.ProgramOption{tea.WithContext(ctx)}, rh.options...)
	if _, err := tea.NewProgram(model, opts...).Run(); err != nil {
		return fmt.Errorf("UI error: %w", err)
	}
	return nil
}

// GetRestartCount returns the number of restarts
func (rh *RecoveryHandler) GetRestartCount() int {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	return rh.restartCount
}

// SafeUIWrapper keeps a panicking Update or View from tearing down the terminal.
type SafeUIWrapper struct {
	model  tea.Model
	logger *zap.Logger
}

// NewSafeUIWrapper creates a new safe UI wrapper
func NewSafeUIWrapper(model tea.Model, logger *zap.Logger) *SafeUIWrapper {
	return &SafeUIWrapper{
		model:  model,
		logger: logger,
	}
}

func (sw *SafeUIWrapper) Init() (cmd tea.Cmd) {
	defer sw.recoverFromPanic("Init", &cmd)
	return sw.model.Init()
}

func (sw *SafeUIWrapper) Update(msg tea.Msg) (model tea.Model, cmd tea.Cmd) {
	model = sw
	defer sw.recoverFromPanic("Update", &cmd)
	sw.model, cmd = sw.model.Update(msg)
	return sw, cmd
}

func (sw *SafeUIWrapper) View() (view string) {
	defer func() {
		if r := recover(); r != nil {
			sw.logger.Error("View panic recovered",
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
			view = "UI Error: View crashed. Press q to exit."
		}
	}()
	return sw.model.View()
}

func (sw *SafeUIWrapper) recoverFromPanic(method string, cmd *tea.Cmd) {
	if r := recover(); r != nil {
		sw.logger.Error("UI method panic recovered",
			zap.String("method", method),
			zap.Any("panic", r),
			zap.String("stack", string(debug.Stack())))
		*cmd = nil
	}
}

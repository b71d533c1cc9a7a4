package ledger

import (
	"fmt"
	"log/slog"
	"sync"
)

// CommitHook is called by the ledger exactly once per committed block.
// Implementations must not block indefinitely and cannot veto the commit.
type CommitHook interface {
	OnCommit(block Block, records []ExecutionRecord)
}

// CommitHookFunc adapts a plain function to CommitHook.
type CommitHookFunc func(block Block, records []ExecutionRecord)

// OnCommit implements CommitHook.
func (f CommitHookFunc) OnCommit(block Block, records []ExecutionRecord) {
	f(block, records)
}

type installedHook struct {
	name string
	hook CommitHook
}

// Hooks is the host-side registry of commit hooks. Hooks are installed at
// process start and uninstalled at stop; Commit runs every installed hook
// synchronously, in installation order, on the caller's goroutine.
type Hooks struct {
	mu     sync.RWMutex
	hooks  []installedHook
	logger *slog.Logger
}

// NewHooks creates an empty registry.
func NewHooks(logger *slog.Logger) *Hooks {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hooks{logger: logger.With("component", "ledger-hooks")}
}

// Install registers hook under name. Names must be unique.
func (h *Hooks) Install(name string, hook CommitHook) error {
	if hook == nil {
		return fmt.Errorf("hook %q is nil", name)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ih := range h.hooks {
		if ih.name == name {
			return fmt.Errorf("hook %q already installed", name)
		}
	}
	h.hooks = append(h.hooks, installedHook{name: name, hook: hook})
	h.logger.Info("commit hook installed", "hook", name)
	return nil
}

// Uninstall removes the hook registered under name and reports whether it
// was present.
func (h *Hooks) Uninstall(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, ih := range h.hooks {
		if ih.name == name {
			h.hooks = append(h.hooks[:i:i], h.hooks[i+1:]...)
			h.logger.Info("commit hook uninstalled", "hook", name)
			return true
		}
	}
	return false
}

// Len returns the number of installed hooks.
func (h *Hooks) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.hooks)
}

// Commit notifies every installed hook of a committed block. A panicking
// hook is logged and skipped; nothing is ever propagated back to the caller.
func (h *Hooks) Commit(block Block, records []ExecutionRecord) {
	h.mu.RLock()
	hooks := make([]installedHook, len(h.hooks))
	copy(hooks, h.hooks)
	h.mu.RUnlock()

	for _, ih := range hooks {
		h.run(ih, block, records)
	}
}

func (h *Hooks) run(ih installedHook, block Block, records []ExecutionRecord) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("commit hook panicked", "hook", ih.name, "block", block.Hash, "panic", r)
		}
	}()
	ih.hook.OnCommit(block, records)
}

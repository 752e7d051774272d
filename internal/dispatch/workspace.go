package dispatch

import (
	"fmt"
	"strings"
	"sync"
)

// MemoryWorkspace is a headless Workspace for daemon deployments with
// no attached client surface. It tracks the active view and serves
// whatever page text the host pushes into it.
type MemoryWorkspace struct {
	mu   sync.Mutex
	view string
	text string
}

func NewMemoryWorkspace(initialView string) *MemoryWorkspace {
	if strings.TrimSpace(initialView) == "" {
		initialView = "/"
	}
	return &MemoryWorkspace{view: initialView}
}

func (w *MemoryWorkspace) CurrentView() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.view
}

func (w *MemoryWorkspace) Navigate(view string) error {
	view = strings.TrimSpace(view)
	if view == "" {
		return fmt.Errorf("view must not be empty")
	}
	w.mu.Lock()
	w.view = view
	w.mu.Unlock()
	return nil
}

func (w *MemoryWorkspace) StateSummary() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return map[string]any{
		"view":     w.view,
		"has_text": w.text != "",
	}
}

func (w *MemoryWorkspace) PageText() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.text
}

// SetPageText replaces the visible page text reported to the model.
func (w *MemoryWorkspace) SetPageText(text string) {
	w.mu.Lock()
	w.text = text
	w.mu.Unlock()
}

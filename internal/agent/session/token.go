package session

import (
	"sync"

	"github.com/marketscope/core/internal/agent/model"
)

// ActiveToken is the single mutable cell naming the run whose results are
// still wanted. Async continuations hold a pointer to it and read it at the
// moment a result arrives, never a copy taken when the request was issued.
type ActiveToken struct {
	mu  sync.RWMutex
	tok model.RunToken
}

// Load returns the current token.
func (a *ActiveToken) Load() model.RunToken {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tok
}

// Is reports whether t is the current token.
func (a *ActiveToken) Is(t model.RunToken) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return t != "" && a.tok == t
}

func (a *ActiveToken) store(t model.RunToken) model.RunToken {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev := a.tok
	a.tok = t
	return prev
}

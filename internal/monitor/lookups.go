package monitor

import (
	"context"

	"github.com/pyreposcan/pyreposcan/internal/scorer"
	"github.com/pyreposcan/pyreposcan/internal/store"
)

// storeLookups adapts the context-aware store.Store to the scorer's narrow,
// context-free scorer.Lookups interface by closing over a fixed context.
// Constructed fresh for each scoring call so the closed-over context always
// matches the call in progress.
type storeLookups struct {
	ctx context.Context
	st  store.Store
}

var _ scorer.Lookups = storeLookups{}

func (l storeLookups) AliasOwner(name string) (string, bool, error) {
	return l.st.AliasOwner(l.ctx, name, name)
}

func (l storeLookups) RemovedProjectExists(name string) (bool, error) {
	return l.st.RemovedProjectExists(l.ctx, name)
}

func (l storeLookups) PrivateProjectExists(name string) (bool, error) {
	return l.st.PrivateProjectExists(l.ctx, name)
}

package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Holder is the single in-process owner of the current tuple. HTTP handlers
// and the background poller share one Holder so a refresh done by either is
// seen by the other.
type Holder struct {
	mu    sync.RWMutex
	store Store
	tuple *Tuple
}

func NewHolder(store Store) *Holder {
	return &Holder{store: store}
}

// Restore loads a previously persisted tuple. A missing tuple is not an error.
func (h *Holder) Restore(ctx context.Context) (bool, error) {
	tuple, err := h.store.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	h.mu.Lock()
	h.tuple = &tuple
	h.mu.Unlock()
	return true, nil
}

// Current returns a copy of the tuple and whether one is held.
func (h *Holder) Current() (Tuple, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.tuple == nil {
		return Tuple{}, false
	}
	return *h.tuple, true
}

// Set persists tuple and makes it current.
func (h *Holder) Set(ctx context.Context, tuple Tuple) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.store.Save(ctx, tuple); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	h.tuple = &tuple
	return nil
}

// SetAccount records the mailbox address the tuple belongs to.
func (h *Holder) SetAccount(ctx context.Context, account string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tuple == nil {
		return ErrNotFound
	}
	updated := *h.tuple
	updated.Account = account
	if err := h.store.Save(ctx, updated); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	h.tuple = &updated
	return nil
}

// Clear drops the tuple from memory and from the store.
func (h *Holder) Clear(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tuple = nil
	if err := h.store.Delete(ctx); err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	return nil
}

// Replace swaps in next only while prev is still current, so a refresh that
// raced a new login cannot overwrite it. It reports whether it swapped.
func (h *Holder) Replace(ctx context.Context, prev, next Tuple) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tuple == nil || !h.tuple.sameGrant(prev) {
		return false, nil
	}
	if err := h.store.Save(ctx, next); err != nil {
		return false, fmt.Errorf("save credentials: %w", err)
	}
	h.tuple = &next
	return true, nil
}

// ClearIf drops the tuple only while prev is still current.
func (h *Holder) ClearIf(ctx context.Context, prev Tuple) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tuple == nil || !h.tuple.sameGrant(prev) {
		return false, nil
	}
	h.tuple = nil
	if err := h.store.Delete(ctx); err != nil {
		return true, fmt.Errorf("delete credentials: %w", err)
	}
	return true, nil
}

// Invalidate forgets accessToken after the provider rejected it, leaving the
// refresh token in place. Tokens that are no longer current are ignored.
func (h *Holder) Invalidate(ctx context.Context, accessToken string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tuple == nil || accessToken == "" || h.tuple.AccessToken != accessToken {
		return false, nil
	}
	updated := *h.tuple
	updated.AccessToken = ""
	if err := h.store.Save(ctx, updated); err != nil {
		return false, fmt.Errorf("save credentials: %w", err)
	}
	h.tuple = &updated
	return true, nil
}

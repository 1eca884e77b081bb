package attachment

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Revocable wraps a provider the host may withdraw at any time. Revoke aborts
// in-flight loads and fails later ones with ErrRevoked.
type Revocable struct {
	Provider

	mu      sync.Mutex
	revoked bool
	cancels map[int]context.CancelFunc
	next    int
}

// NewRevocable wraps p.
func NewRevocable(p Provider) *Revocable {
	return &Revocable{Provider: p, cancels: make(map[int]context.CancelFunc)}
}

// Load implements Provider.
func (r *Revocable) Load(ctx context.Context, typeID string) (*Payload, error) {
	r.mu.Lock()
	if r.revoked {
		r.mu.Unlock()
		return nil, &LoadError{AttachmentID: r.ID(), TypeID: typeID, Err: ErrRevoked}
	}
	lctx, cancel := context.WithCancel(ctx)
	token := r.next
	r.next++
	r.cancels[token] = cancel
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.cancels, token)
		r.mu.Unlock()
		cancel()
	}()

	payload, err := r.Provider.Load(lctx, typeID)

	r.mu.Lock()
	revoked := r.revoked
	r.mu.Unlock()
	if revoked {
		// the host withdrew the content; whatever arrived is not usable.
		if payload != nil {
			_ = payload.Release()
		}
		return nil, &LoadError{AttachmentID: r.ID(), TypeID: typeID, Err: ErrRevoked}
	}
	return payload, err
}

// Revoke withdraws the provider. It is idempotent.
func (r *Revocable) Revoke() {
	r.mu.Lock()
	if r.revoked {
		r.mu.Unlock()
		return
	}
	r.revoked = true
	cancels := make([]context.CancelFunc, 0, len(r.cancels))
	for _, c := range r.cancels {
		cancels = append(cancels, c)
	}
	r.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	log.Debug().Str("attachment", r.ID()).Int("in_flight", len(cancels)).Msg("provider revoked")
}

// Revoked reports whether Revoke was called.
func (r *Revocable) Revoked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.revoked
}

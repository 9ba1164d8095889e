package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banterop/conductor/internal/platform/apperror"
)

// leaseTTL is how long a backend lease survives without a heartbeat
// renewal before it is treated as implicitly released.
const leaseTTL = 30 * time.Second

// leaseState is the in-memory half of a pair's backend lease; the
// persisted half lives in bridge_pairs (lease_id, lease_gen,
// lease_expires_at) so a process restart can still report the last known
// holder, even though the revoke channel itself does not survive restart.
type leaseState struct {
	mu        sync.Mutex
	leaseID   string
	connID    string
	gen       int
	expiresAt time.Time
	revoked   chan struct{}
}

func (l *leaseState) isLive(now time.Time) bool {
	return l.leaseID != "" && now.Before(l.expiresAt)
}

// leaseTable holds one leaseState per pair, created lazily.
type leaseTable struct {
	mu    sync.Mutex
	pairs map[string]*leaseState
}

func newLeaseTable() *leaseTable {
	return &leaseTable{pairs: make(map[string]*leaseState)}
}

func (t *leaseTable) get(pairID string) *leaseState {
	t.mu.Lock()
	defer t.mu.Unlock()
	ls, ok := t.pairs[pairID]
	if !ok {
		ls = &leaseState{}
		t.pairs[pairID] = ls
	}
	return ls
}

// AcquireBackendResult reports the outcome of an acquireBackend call.
type AcquireBackendResult struct {
	LeaseID string
	Gen     int
	Granted bool
	// Revoked fires exactly once if this lease is later revoked by a
	// takeover; the caller's SSE stream should terminate on receipt.
	Revoked <-chan struct{}
}

// AcquireBackend grants or denies a single-responder backend lease for a
// pair, per SPEC_FULL.md §4.6's Backend lease election rules.
func (b *Bridge) AcquireBackend(ctx context.Context, pairID, connID string, takeover bool) (AcquireBackendResult, error) {
	ls := b.leases.get(pairID)
	ls.mu.Lock()
	defer ls.mu.Unlock()

	now := time.Now().UTC()
	if ls.isLive(now) {
		if !takeover {
			return AcquireBackendResult{}, apperror.BackendDenied()
		}
		close(ls.revoked)
	}

	leaseID := uuid.NewString()
	ls.leaseID = leaseID
	ls.connID = connID
	ls.gen++
	ls.expiresAt = now.Add(leaseTTL)
	ls.revoked = make(chan struct{})

	if err := b.store.setLease(ctx, pairID, leaseID, ls.gen, ls.expiresAt); err != nil {
		return AcquireBackendResult{}, apperror.Internal(err)
	}
	return AcquireBackendResult{LeaseID: leaseID, Gen: ls.gen, Granted: true, Revoked: ls.revoked}, nil
}

// RebindLease lets a refreshed stream resume an already-valid lease
// without going through election again.
func (b *Bridge) RebindLease(pairID, leaseID, connID string) (AcquireBackendResult, bool) {
	ls := b.leases.get(pairID)
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.leaseID != leaseID || !ls.isLive(time.Now().UTC()) {
		return AcquireBackendResult{}, false
	}
	ls.connID = connID
	return AcquireBackendResult{LeaseID: ls.leaseID, Gen: ls.gen, Granted: true, Revoked: ls.revoked}, true
}

// RenewLease extends a held lease's TTL; called on each heartbeat tick
// from the holder's SSE stream.
func (b *Bridge) RenewLease(ctx context.Context, pairID, leaseID string) error {
	ls := b.leases.get(pairID)
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.leaseID != leaseID || !ls.isLive(time.Now().UTC()) {
		return apperror.BackendNotHeld()
	}
	ls.expiresAt = time.Now().UTC().Add(leaseTTL)
	return b.store.setLease(ctx, pairID, ls.leaseID, ls.gen, ls.expiresAt)
}

// ReleaseLease explicitly releases a held lease (sendBeacon-friendly).
func (b *Bridge) ReleaseLease(ctx context.Context, pairID, leaseID string) error {
	ls := b.leases.get(pairID)
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.leaseID != leaseID {
		return apperror.BackendNotHeld()
	}
	ls.leaseID = ""
	ls.connID = ""
	return b.store.setLease(ctx, pairID, "", ls.gen, time.Time{})
}

// RequireLease validates the X-Banterop-Backend-Lease header value for a
// responder-side write, per SPEC_FULL.md §4.6.
func (b *Bridge) RequireLease(pairID, leaseID string) error {
	if leaseID == "" {
		return apperror.BackendNotHeld()
	}
	ls := b.leases.get(pairID)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.leaseID != leaseID || !ls.isLive(time.Now().UTC()) {
		return apperror.BackendNotHeld()
	}
	return nil
}

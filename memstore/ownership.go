package memstore

import (
	"context"
	"sync"

	identity "github.com/goliatone/go-identity"
)

// Records is an in-memory owner index of user owned records (alerts,
// configs). Merges move records through ReassignOwner.
type Records struct {
	mu     sync.Mutex
	owners map[string]string
}

// NewRecords returns an empty owner index.
func NewRecords() *Records {
	return &Records{owners: map[string]string{}}
}

// Put sets the owner of recordID.
func (r *Records) Put(recordID, ownerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[recordID] = ownerID
}

// Owner returns the owner of recordID.
func (r *Records) Owner(recordID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owners[recordID]
}

// ReassignOwner moves every record of fromUserID to toUserID.
func (r *Records) ReassignOwner(_ context.Context, fromUserID, toUserID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	moved := 0
	for id, owner := range r.owners {
		if owner == fromUserID {
			r.owners[id] = toUserID
			moved++
		}
	}
	return moved, nil
}

var _ identity.RecordOwnership = (*Records)(nil)

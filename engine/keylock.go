package engine

import "sync"

// =============================================================================
// KEY LOCK - Mutual exclusion per (institution, period)
// =============================================================================

// KeyLock serializes mutations scoped to one (institution, period) key:
// calculation, invoice generation, penalty application, and reconciliation
// all take this lock before touching the key's records. Different keys
// proceed fully in parallel, which is what bulk recalculation and the
// penalty sweep rely on.
type KeyLock struct {
	mu    sync.Mutex
	locks map[lockKey]*sync.Mutex
}

type lockKey struct {
	InstitutionID InstitutionID
	Period        Period
}

func NewKeyLock() *KeyLock {
	return &KeyLock{locks: make(map[lockKey]*sync.Mutex)}
}

// Lock acquires the key's mutex and returns the unlock function.
//
//	defer locks.Lock(instID, period)()
func (kl *KeyLock) Lock(institutionID InstitutionID, period Period) func() {
	kl.mu.Lock()
	k := lockKey{InstitutionID: institutionID, Period: period}
	m, ok := kl.locks[k]
	if !ok {
		m = &sync.Mutex{}
		kl.locks[k] = m
	}
	kl.mu.Unlock()

	m.Lock()
	return m.Unlock
}

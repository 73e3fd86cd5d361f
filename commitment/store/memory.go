// Package store provides an in-memory commitment.TxStore.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/commitment-engine/commitment"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	commitments map[commitment.CommitmentID]commitment.Commitment
	byCustomer  map[commitment.CustomerID][]commitment.CommitmentID
	active      map[commitment.CustomerID]commitment.CommitmentID

	// undo is set while WithTx runs.
	undo *[]func()
}

func NewMemory() *Memory {
	return &Memory{
		commitments: make(map[commitment.CommitmentID]commitment.Commitment),
		byCustomer:  make(map[commitment.CustomerID][]commitment.CommitmentID),
		active:      make(map[commitment.CustomerID]commitment.CommitmentID),
	}
}

func (m *Memory) GetCommitment(_ context.Context, id commitment.CommitmentID) (commitment.Commitment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id)
}

func (m *Memory) getLocked(id commitment.CommitmentID) (commitment.Commitment, error) {
	c, ok := m.commitments[id]
	if !ok {
		return commitment.Commitment{}, fmt.Errorf("%w: %s", commitment.ErrCommitmentNotFound, id)
	}
	return c.Clone(), nil
}

func (m *Memory) ActiveCommitmentID(_ context.Context, customerID commitment.CustomerID) (commitment.CommitmentID, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.active[customerID]
	return id, ok, nil
}

func (m *Memory) ListByCustomer(_ context.Context, customerID commitment.CustomerID) ([]commitment.Commitment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(customerID), nil
}

func (m *Memory) listLocked(customerID commitment.CustomerID) []commitment.Commitment {
	ids := m.byCustomer[customerID]
	out := make([]commitment.Commitment, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.commitments[id].Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ValidFrom.Before(out[j].ValidFrom) })
	return out
}

func (m *Memory) CustomerIDs(_ context.Context) ([]commitment.CustomerID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.customerIDsLocked(), nil
}

func (m *Memory) customerIDsLocked() []commitment.CustomerID {
	out := make([]commitment.CustomerID, 0, len(m.byCustomer))
	for id := range m.byCustomer {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Memory) SaveCommitment(_ context.Context, c commitment.Commitment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(c)
}

func (m *Memory) saveLocked(c commitment.Commitment) error {
	if c.Status == commitment.StatusActive {
		if cur, ok := m.active[c.CustomerID]; ok && cur != c.ID {
			return fmt.Errorf("%w: customer %s already has active commitment %s",
				commitment.ErrConcurrentModification, c.CustomerID, cur)
		}
	}

	prev, existed := m.commitments[c.ID]
	prevActive, hadActive := m.active[c.CustomerID]
	if !existed {
		m.byCustomer[c.CustomerID] = append(m.byCustomer[c.CustomerID], c.ID)
	}

	switch c.Status {
	case commitment.StatusActive:
		m.active[c.CustomerID] = c.ID
	case commitment.StatusWithdrawn:
		if m.active[c.CustomerID] == c.ID {
			delete(m.active, c.CustomerID)
		}
	}

	m.commitments[c.ID] = c.Clone()

	if m.undo != nil {
		customerID := c.CustomerID
		*m.undo = append(*m.undo, func() {
			if existed {
				m.commitments[prev.ID] = prev
			} else {
				delete(m.commitments, c.ID)
				ids := m.byCustomer[customerID]
				if len(ids) <= 1 {
					delete(m.byCustomer, customerID)
				} else {
					m.byCustomer[customerID] = ids[:len(ids)-1]
				}
			}
			if hadActive {
				m.active[customerID] = prevActive
			} else {
				delete(m.active, customerID)
			}
		})
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn with exclusive access to the store.
// Writes go straight to the maps and each save records how to revert itself.
// On error the log is replayed newest first. Readers wait on mu, so they
// never observe a partial update.
func (m *Memory) WithTx(_ context.Context, fn func(commitment.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var undo []func()
	m.undo = &undo
	defer func() { m.undo = nil }()

	if err := fn(&txView{parent: m}); err != nil {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		return err
	}
	return nil
}

// ReadTx runs fn under the read lock. Writers wait until it returns.
func (m *Memory) ReadTx(_ context.Context, fn func(commitment.Store) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&txView{parent: m, readOnly: true})
}

// txView is the Store handed to WithTx and ReadTx callbacks. The parent
// lock is already held, so it uses the *Locked helpers directly.
type txView struct {
	parent   *Memory
	readOnly bool
}

func (tv *txView) GetCommitment(_ context.Context, id commitment.CommitmentID) (commitment.Commitment, error) {
	return tv.parent.getLocked(id)
}

func (tv *txView) ActiveCommitmentID(_ context.Context, customerID commitment.CustomerID) (commitment.CommitmentID, bool, error) {
	id, ok := tv.parent.active[customerID]
	return id, ok, nil
}

func (tv *txView) ListByCustomer(_ context.Context, customerID commitment.CustomerID) ([]commitment.Commitment, error) {
	return tv.parent.listLocked(customerID), nil
}

func (tv *txView) CustomerIDs(_ context.Context) ([]commitment.CustomerID, error) {
	return tv.parent.customerIDsLocked(), nil
}

func (tv *txView) SaveCommitment(_ context.Context, c commitment.Commitment) error {
	if tv.readOnly {
		return fmt.Errorf("%w: save %s", commitment.ErrReadOnly, c.ID)
	}
	return tv.parent.saveLocked(c)
}

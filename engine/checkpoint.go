package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/franksops/panshift/store"
)

// StateStore persists the resume record.
type StateStore interface {
	Load(ctx context.Context) (*store.ResumeRecord, error)
	Save(ctx context.Context, rec *store.ResumeRecord) error
}

var _ StateStore = (*store.ResumeStore)(nil)

// Checkpoint holds the resume record in memory and writes it through to a
// StateStore on every change. The durable copy is loaded once at startup
// and wins over anything in memory.
type Checkpoint struct {
	states StateStore

	mu  sync.Mutex
	rec *store.ResumeRecord
}

// OpenCheckpoint loads the persisted record, starting a fresh one when
// nothing has been saved yet.
func OpenCheckpoint(ctx context.Context, states StateStore) (*Checkpoint, error) {
	rec, err := states.Load(ctx)
	switch {
	case errors.Is(err, store.ErrNoRecord):
		rec = &store.ResumeRecord{Queue: store.NewQueue()}
	case err != nil:
		return nil, fmt.Errorf("failed to load resume record: %w", err)
	}
	return &Checkpoint{states: states, rec: rec}, nil
}

// Snapshot returns a copy of the record.
func (c *Checkpoint) Snapshot() *store.ResumeRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.Clone()
}

// Update applies fn to the record and persists the result when fn reports a
// change. The lock is not held while saving.
func (c *Checkpoint) Update(ctx context.Context, fn func(rec *store.ResumeRecord) bool) error {
	c.mu.Lock()
	if !fn(c.rec) {
		c.mu.Unlock()
		return nil
	}
	snap := c.rec.Clone()
	c.mu.Unlock()

	if err := c.states.Save(ctx, snap); err != nil {
		return fmt.Errorf("failed to save resume record: %w", err)
	}
	return nil
}

// SetCurrent records the in-flight file, or clears it when cur is nil.
func (c *Checkpoint) SetCurrent(ctx context.Context, cur *store.Current) error {
	return c.Update(ctx, func(rec *store.ResumeRecord) bool {
		rec.Current = cur
		return true
	})
}

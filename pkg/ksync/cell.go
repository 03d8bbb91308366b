// Package ksync provides the exclusive-access primitive used to guard
// per-task kernel state on a single cooperative core.
package ksync

import "sync/atomic"

// Cell holds a value that may only be accessed through one Guard at a time.
//
// On a single cooperative core a second borrow can only come from the same
// flow of control re-entering already-borrowed state, which is a kernel bug.
// Borrow therefore panics instead of waiting.
type Cell[T any] struct {
	state atomic.Uint32
	value T
}

// NewCell returns a cell holding v.
func NewCell[T any](v T) *Cell[T] {
	return &Cell[T]{value: v}
}

// Borrow acquires exclusive access to the cell contents. The returned guard
// must be released before control can reach a context switch.
func (c *Cell[T]) Borrow() *Guard[T] {
	if !c.state.CompareAndSwap(0, 1) {
		panic("ksync: cell already borrowed")
	}
	return &Guard[T]{cell: c}
}

// Borrowed returns true while a guard is outstanding.
func (c *Cell[T]) Borrowed() bool {
	return c.state.Load() != 0
}

// Guard grants access to the contents of a borrowed Cell.
type Guard[T any] struct {
	cell *Cell[T]
}

// Get returns a pointer to the guarded value. The pointer must not be used
// after Release.
func (g *Guard[T]) Get() *T {
	if g.cell == nil {
		panic("ksync: use of released guard")
	}
	return &g.cell.value
}

// Release relinquishes the borrow. Releasing a guard twice panics.
func (g *Guard[T]) Release() {
	if g.cell == nil {
		panic("ksync: guard released twice")
	}
	g.cell.state.Store(0)
	g.cell = nil
}

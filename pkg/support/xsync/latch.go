// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements synchronization tools missing from the standard library.
package xsync

import "sync"

// Latch is a signal that can be waited for until it is triggered.
// Once triggered it stays triggered.
type Latch struct {
	once sync.Once
	wait chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{wait: make(chan struct{})}
}

// Trigger the latch, releasing all waiters. Triggering more than once is a no-op.
func (l *Latch) Trigger() {
	l.once.Do(func() { close(l.wait) })
}

// Wait until the latch is triggered.
func (l *Latch) Wait() {
	<-l.wait
}

// LatchWithValue is a Latch that carries a value set when it is triggered.
// Only the value of the first Trigger is kept.
type LatchWithValue[T any] struct {
	latch *Latch
	value T
}

// NewLatchWithValue returns an un-triggered latch.
func NewLatchWithValue[T any]() *LatchWithValue[T] {
	return &LatchWithValue[T]{latch: NewLatch()}
}

// Trigger the latch with the given value.
func (l *LatchWithValue[T]) Trigger(value T) {
	l.latch.once.Do(func() {
		l.value = value
		close(l.latch.wait)
	})
}

// Wait until the latch is triggered and return its value.
func (l *LatchWithValue[T]) Wait() T {
	l.latch.Wait()
	return l.value
}

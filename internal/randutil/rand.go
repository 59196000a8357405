// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package randutil provides a mutex-guarded math/rand source, since
// *rand.Rand is not safe for concurrent use and server selection is called
// concurrently by every in-flight dispatch.
package randutil

import (
	"math/rand"
	"sync"
)

// LockedRand wraps a *rand.Rand with a mutex so it can be shared across
// goroutines performing concurrent server selection.
type LockedRand struct {
	mu  sync.Mutex
	src *rand.Rand
}

// NewLockedRand constructs a LockedRand from the given source.
func NewLockedRand(src rand.Source) *LockedRand {
	return &LockedRand{src: rand.New(src)}
}

// Intn returns, as an int, a non-negative pseudo-random number in [0,n).
func (r *LockedRand) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.src.Intn(n)
}

// Shuffle pseudo-randomizes the order of elements using swap.
func (r *LockedRand) Shuffle(n int, swap func(i, j int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.src.Shuffle(n, swap)
}

// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/coremongo/dispatcher/address"
	"github.com/coremongo/dispatcher/event"
)

// ErrPoolDisconnected is returned by get when the pool has been
// disconnected.
var ErrPoolDisconnected = errors.New("topology: connection pool is disconnected")

// ErrPoolCleared is returned to a pending checkout when clear ran while it
// was waiting for a semaphore slot.
var ErrPoolCleared = errors.New("topology: connection pool was cleared")

type poolState uint8

const (
	poolPaused poolState = iota
	poolReady
	poolClosed
)

// poolConfig holds the inputs newPool needs from the owning Server.
type poolConfig struct {
	Address        address.Address
	MinPoolSize    uint64
	MaxPoolSize    uint64
	MaxIdleTime    time.Duration
	PoolMonitor    *event.PoolMonitor
	ConnectionOpts []ConnectionOption
}

// pool is a bounded, generation-tagged connection pool. Checkout is gated by
// a golang.org/x/sync/semaphore.Weighted sized to MaxPoolSize (0 means
// unbounded); idle connections are kept on a LIFO stack so the most recently
// used (least likely to be stale) connection is handed out first, matching
// the teacher's pool's reuse-hot-connections behavior.
type pool struct {
	address address.Address
	cfg     poolConfig
	monitor *event.PoolMonitor

	sem *semaphore.Weighted

	mu         sync.Mutex
	state      poolState
	generation uint64
	idle       []*connection
	total      uint64
}

func newPool(cfg poolConfig) *pool {
	p := &pool{
		address: cfg.Address,
		cfg:     cfg,
		monitor: cfg.PoolMonitor,
		state:   poolPaused,
	}
	if cfg.MaxPoolSize > 0 {
		p.sem = semaphore.NewWeighted(int64(cfg.MaxPoolSize))
	}
	return p
}

func (p *pool) event(typ, reason string) {
	if p.monitor != nil && p.monitor.Event != nil {
		p.monitor.Event(&event.PoolEvent{Type: typ, Address: p.address.String(), Reason: reason})
	}
}

// connect marks the pool ready for checkouts, called when the owning Server
// transitions to connected.
func (p *pool) connect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = poolReady
	p.generation++
}

// disconnect closes every idle connection and marks the pool closed. It does
// not forcibly close connections currently checked out; those are closed as
// they're returned, by checkin's pool-state check, or directly by the caller.
func (p *pool) disconnect(ctx context.Context) error {
	p.mu.Lock()
	p.state = poolClosed
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, c := range idle {
		c.Close()
	}
	return nil
}

// clear bumps the pool's generation, invalidating every connection
// currently checked out (they will be closed instead of returned on
// checkin) and every idle connection held right now.
func (p *pool) clear() {
	p.mu.Lock()
	p.generation++
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	p.event(event.PoolEventPoolCleared, "")
	for _, c := range idle {
		c.Close()
	}
}

func (p *pool) getGeneration() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

// get checks out a connection: an idle, non-expired, current-generation one
// if available, else a freshly dialed one, gated by the pool's semaphore.
func (p *pool) get(ctx context.Context) (*connection, error) {
	p.mu.Lock()
	if p.state != poolReady {
		p.mu.Unlock()
		return nil, ErrPoolDisconnected
	}
	gen := p.generation
	p.mu.Unlock()

	if p.sem != nil {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	}
	release := func() {
		if p.sem != nil {
			p.sem.Release(1)
		}
	}

	p.mu.Lock()
	for len(p.idle) > 0 {
		c := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.mu.Unlock()

		if c.generation != gen || c.expired() {
			c.Close()
			p.mu.Lock()
			continue
		}
		p.event(event.PoolEventConnectionCheckedOut, "")
		return c, nil
	}
	p.mu.Unlock()

	c, err := newConnection(ctx, p.address, p.cfg.ConnectionOpts...)
	if err != nil {
		release()
		return nil, err
	}
	c.generation = gen
	p.event(event.PoolEventConnectionCreated, "")
	p.event(event.PoolEventConnectionCheckedOut, "")

	p.mu.Lock()
	p.total++
	p.mu.Unlock()
	c.releaseFn = release
	return c, nil
}

// checkin returns c to the idle stack if it is still current and alive,
// else closes it. Called by Connection.Close in server.go's wrapper.
func (p *pool) checkin(c *connection) {
	if c.releaseFn != nil {
		defer func() { c.releaseFn(); c.releaseFn = nil }()
	}

	p.mu.Lock()
	if p.state != poolReady || c.generation != p.generation || c.dead || c.expired() {
		p.mu.Unlock()
		c.Close()
		p.event(event.PoolEventConnectionClosed, "")
		return
	}
	c.bumpIdleDeadline()
	p.idle = append(p.idle, c)
	p.mu.Unlock()
	p.event(event.PoolEventConnectionCheckedIn, "")
}

// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coremongo/dispatcher/address"
	"github.com/coremongo/dispatcher/description"
	"github.com/coremongo/dispatcher/driver"
	"github.com/coremongo/dispatcher/driver/session"
	"github.com/coremongo/dispatcher/event"
	"github.com/coremongo/dispatcher/internal/randutil"
)

// ErrTopologyClosed is returned when a method is called on a Topology that
// hasn't been Connect-ed, or has been Disconnect-ed.
var ErrTopologyClosed = errors.New("topology: topology is closed")

// ErrTopologyConnected is returned by Connect on an already-connected
// Topology.
var ErrTopologyConnected = errors.New("topology: already connected")

// ServerSelectionError wraps a selection failure (timeout, or a selector's
// own error) with the TopologyDescription observed at the time, spec §7's
// KindServerSelectionTimeout surface. An incompatible-wire-version error is
// returned unwrapped.
type ServerSelectionError struct {
	Wrapped error
	Desc    description.Topology
}

func (e ServerSelectionError) Error() string {
	return "server selection error: " + e.Wrapped.Error() + "; topology: " + e.Desc.String()
}

func (e ServerSelectionError) Unwrap() error { return e.Wrapped }

const (
	topoDisconnected int32 = iota
	topoDisconnecting
	topoConnected
	topoConnecting
)

// Topology coordinates a set of monitored Servers into a single
// TopologyDescription and implements driver.Deployment/driver.Subscriber,
// the dispatcher's sole entry point into SDAM (spec §4.3's Topology
// module).
type Topology struct {
	connectionstate int32
	cfg             *topologyConfig

	desc atomic.Value // description.Topology

	fsm *fsm

	subscribers         map[uint64]chan description.Topology
	currentSubscriberID uint64
	subscriptionsClosed bool
	subLock             sync.Mutex

	serversLock   sync.Mutex
	serversClosed bool
	servers       map[address.Address]*Server

	clock *session.ClusterClock
	rand  *randutil.LockedRand
}

var _ driver.Deployment = (*Topology)(nil)
var _ driver.Subscriber = (*Topology)(nil)

// New constructs a Topology in the disconnected state.
func New(opts ...Option) (*Topology, error) {
	cfg := newTopologyConfig(opts...)
	t := &Topology{
		cfg:         cfg,
		fsm:         newFSM(),
		subscribers: make(map[uint64]chan description.Topology),
		servers:     make(map[address.Address]*Server),
		clock:       &session.ClusterClock{},
		rand:        randutil.NewLockedRand(rand.NewSource(rand.Int63())),
	}
	t.desc.Store(description.Topology{})
	return t, nil
}

// LocalThreshold returns the latency window width dispatch should build its
// LatencySelector with.
func (t *Topology) LocalThreshold() time.Duration { return t.cfg.localThreshold }

// HeartbeatFrequency returns the interval dispatch should build its
// max-staleness ReadPrefSelector with (spec §4.3.1 step 3).
func (t *Topology) HeartbeatFrequency() time.Duration { return t.cfg.heartbeatFrequency }

// RetryWrites reports whether this topology was configured to retry writes
// by default (spec §4.4.1's config.retryWrites).
func (t *Topology) RetryWrites() bool { return t.cfg.retryWrites }

// RetryReads reports whether this topology was configured to retry reads by
// default (spec §4.4.2).
func (t *Topology) RetryReads() bool { return t.cfg.retryReads }

// SupportsSessions reports whether the current TopologyDescription
// advertises a logical session timeout, gating SessionPool allocation (spec
// §4.5).
func (t *Topology) SupportsSessions() bool {
	return t.Description().SessionTimeoutMinutes != nil
}

// Clock returns the cluster clock every server this topology monitors
// gossips clusterTime through, shared with every session a Client derives
// from this topology.
func (t *Topology) Clock() *session.ClusterClock { return t.clock }

func (t *Topology) updateCallback(desc description.Server) description.Server {
	return t.apply(desc)
}

// Connect seeds the topology with its initial server list and starts each
// one's monitor.
func (t *Topology) Connect() error {
	if !atomic.CompareAndSwapInt32(&t.connectionstate, topoDisconnected, topoConnecting) {
		return ErrTopologyConnected
	}

	t.serversLock.Lock()
	t.serversClosed = false

	if t.cfg.replicaSetName != "" {
		t.fsm.SetName = t.cfg.replicaSetName
		t.fsm.Kind = description.ReplicaSetNoPrimary
	}
	if t.cfg.mode == SingleMode {
		t.fsm.Kind = description.Single
	}

	for _, a := range t.cfg.seedList {
		addr := address.Address(a).Canonicalize()
		t.fsm.Servers = append(t.fsm.Servers, description.NewDefaultServer(addr))
	}

	t.desc.Store(t.fsm.Topology)

	var err error
	for _, a := range t.cfg.seedList {
		addr := address.Address(a).Canonicalize()
		if addErr := t.addServer(addr); addErr != nil {
			err = addErr
		}
	}
	t.serversLock.Unlock()
	if err != nil {
		atomic.StoreInt32(&t.connectionstate, topoDisconnected)
		return err
	}

	atomic.StoreInt32(&t.connectionstate, topoConnected)
	return nil
}

// Disconnect tears down every server's monitor and closes subscriptions.
func (t *Topology) Disconnect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.connectionstate, topoConnected, topoDisconnecting) {
		return ErrTopologyClosed
	}

	t.serversLock.Lock()
	t.serversClosed = true
	servers := make(map[address.Address]*Server, len(t.servers))
	for addr, srv := range t.servers {
		servers[addr] = srv
	}
	t.serversLock.Unlock()

	for _, srv := range servers {
		srv.Disconnect(ctx)
	}

	t.subLock.Lock()
	for id, ch := range t.subscribers {
		close(ch)
		delete(t.subscribers, id)
	}
	t.subscriptionsClosed = true
	t.subLock.Unlock()

	t.desc.Store(description.Topology{})
	atomic.StoreInt32(&t.connectionstate, topoDisconnected)
	return nil
}

// Description returns the current TopologyDescription.
func (t *Topology) Description() description.Topology {
	td, _ := t.desc.Load().(description.Topology)
	return td
}

// Kind implements driver.Deployment.
func (t *Topology) Kind() description.TopologyKind { return t.Description().Kind }

// Subscribe implements driver.Subscriber.
func (t *Topology) Subscribe() (*driver.Subscription, error) {
	if atomic.LoadInt32(&t.connectionstate) != topoConnected {
		return nil, ErrTopologyClosed
	}
	ch := make(chan description.Topology, 1)
	ch <- t.Description()

	t.subLock.Lock()
	defer t.subLock.Unlock()
	if t.subscriptionsClosed {
		return nil, errors.New("topology: cannot subscribe to a closed topology")
	}
	id := t.currentSubscriberID
	t.currentSubscriberID++
	t.subscribers[id] = ch
	return &driver.Subscription{ID: id, Updates: ch}, nil
}

// Unsubscribe implements driver.Subscriber.
func (t *Topology) Unsubscribe(sub *driver.Subscription) error {
	t.subLock.Lock()
	defer t.subLock.Unlock()
	if t.subscriptionsClosed {
		return nil
	}
	ch, ok := t.subscribers[sub.ID]
	if !ok {
		return nil
	}
	close(ch)
	delete(t.subscribers, sub.ID)
	return nil
}

// RequestImmediateCheck asks every monitored server to heartbeat right away.
func (t *Topology) RequestImmediateCheck() {
	if atomic.LoadInt32(&t.connectionstate) != topoConnected {
		return
	}
	t.serversLock.Lock()
	defer t.serversLock.Unlock()
	for _, srv := range t.servers {
		srv.RequestImmediateCheck()
	}
}

type selectionState struct {
	selector    description.ServerSelector
	timeoutChan <-chan time.Time
}

// SelectServer implements driver.Deployment per spec §4.3.2: it retries
// against fresh subscription updates until a suitable server appears or the
// selection timeout/context expires.
func (t *Topology) SelectServer(ctx context.Context, selector description.ServerSelector) (driver.Server, error) {
	if atomic.LoadInt32(&t.connectionstate) != topoConnected {
		return nil, ErrTopologyClosed
	}

	var timeoutCh <-chan time.Time
	if t.cfg.serverSelectionTimeout > 0 {
		timer := time.NewTimer(t.cfg.serverSelectionTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	state := selectionState{selector: selector, timeoutChan: timeoutCh}

	var sub *driver.Subscription
	suitable, err := t.selectFromDescription(t.Description(), state)
	if err != nil {
		return nil, err
	}

	for len(suitable) == 0 {
		if sub == nil {
			sub, err = t.Subscribe()
			if err != nil {
				return nil, err
			}
			defer t.Unsubscribe(sub)
		}
		suitable, err = t.selectFromSubscription(ctx, sub.Updates, state)
		if err != nil {
			return nil, err
		}
	}

	picked := suitable[t.rand.Intn(len(suitable))]
	srv, ok := t.findServer(picked.Addr)
	if !ok {
		return nil, ServerSelectionError{Wrapped: errors.New("selected server no longer monitored"), Desc: t.Description()}
	}
	return srv, nil
}

func (t *Topology) selectFromSubscription(ctx context.Context, updates <-chan description.Topology, state selectionState) ([]description.Server, error) {
	current := t.Description()
	for {
		select {
		case <-ctx.Done():
			return nil, ServerSelectionError{Wrapped: ctx.Err(), Desc: current}
		case <-state.timeoutChan:
			return nil, ServerSelectionError{Wrapped: driver.ErrServerSelectionTimeout, Desc: current}
		case current = <-updates:
		}

		suitable, err := t.selectFromDescription(current, state)
		if err != nil {
			return nil, err
		}
		if len(suitable) > 0 {
			return suitable, nil
		}
		t.RequestImmediateCheck()
	}
}

func (t *Topology) selectFromDescription(desc description.Topology, state selectionState) ([]description.Server, error) {
	if desc.CompatibilityErr != nil {
		return nil, desc.CompatibilityErr
	}
	if desc.Kind == description.LoadBalanced {
		return desc.Servers, nil
	}

	var known []description.Server
	for _, s := range desc.Servers {
		if s.Kind != description.Unknown {
			known = append(known, s)
		}
	}

	suitable, err := state.selector.SelectServer(desc, known)
	if err != nil {
		return nil, ServerSelectionError{Wrapped: err, Desc: desc}
	}
	return suitable, nil
}

func (t *Topology) findServer(addr address.Address) (*Server, bool) {
	t.serversLock.Lock()
	defer t.serversLock.Unlock()
	srv, ok := t.servers[addr]
	return srv, ok
}

// apply feeds desc through the fsm, diffs the member set against what's
// currently monitored, spins up/tears down Servers accordingly, and
// publishes the resulting events. It is the callback every Server's
// heartbeat loop calls through.
func (t *Topology) apply(desc description.Server) description.Server {
	t.serversLock.Lock()
	defer t.serversLock.Unlock()

	if t.serversClosed {
		return desc
	}
	if _, ok := t.fsm.findServer(desc.Addr); !ok {
		return desc
	}

	idx, _ := t.fsm.findServer(desc.Addr)
	oldDesc := t.fsm.Servers[idx]
	prevTopo := t.fsm.Topology
	prevTopo.Servers = append([]description.Server(nil), t.fsm.Servers...)

	newTopo, stored := t.fsm.apply(desc)
	newTopo.Servers = append([]description.Server(nil), newTopo.Servers...)

	if !oldDesc.Equal(stored) {
		t.publishServerDescriptionChanged(oldDesc, stored)
	}

	before := map[address.Address]bool{}
	for _, s := range prevTopo.Servers {
		before[s.Addr] = true
	}
	after := map[address.Address]bool{}
	for _, s := range newTopo.Servers {
		after[s.Addr] = true
	}

	for addr := range before {
		if !after[addr] {
			if srv, ok := t.servers[addr]; ok {
				go srv.Disconnect(context.Background())
				delete(t.servers, addr)
				t.publishServerClosed(addr)
			}
		}
	}
	for addr := range after {
		if !before[addr] {
			t.addServer(addr)
		}
	}

	t.desc.Store(newTopo)
	if !prevTopo.Equal(newTopo) {
		t.publishTopologyDescriptionChanged(prevTopo, newTopo)
	}

	t.subLock.Lock()
	for _, ch := range t.subscribers {
		select {
		case <-ch:
		default:
		}
		ch <- newTopo
	}
	t.subLock.Unlock()

	return stored
}

func (t *Topology) addServer(addr address.Address) error {
	if _, ok := t.servers[addr]; ok {
		return nil
	}
	srv, err := ConnectServer(addr, t.updateCallback, append(t.cfg.serverOpts, WithClusterClock(t.clock))...)
	if err != nil {
		return err
	}
	t.servers[addr] = srv
	return nil
}

func (t *Topology) publishServerDescriptionChanged(prev, current description.Server) {
	if t.cfg.serverMonitor == nil || t.cfg.serverMonitor.ServerDescriptionChanged == nil {
		return
	}
	t.cfg.serverMonitor.ServerDescriptionChanged(&event.ServerDescriptionChangedEvent{
		Address: current.Addr, PreviousDescription: prev, NewDescription: current,
	})
}

func (t *Topology) publishServerClosed(addr address.Address) {
	if t.cfg.serverMonitor == nil || t.cfg.serverMonitor.ServerClosed == nil {
		return
	}
	t.cfg.serverMonitor.ServerClosed(&event.ServerClosedEvent{Address: addr})
}

func (t *Topology) publishTopologyDescriptionChanged(prev, current description.Topology) {
	if t.cfg.serverMonitor == nil || t.cfg.serverMonitor.TopologyDescriptionChanged == nil {
		return
	}
	t.cfg.serverMonitor.TopologyDescriptionChanged(&event.TopologyDescriptionChangedEvent{
		PreviousDescription: prev, NewDescription: current,
	})
}

// String implements fmt.Stringer.
func (t *Topology) String() string {
	return t.Description().String()
}

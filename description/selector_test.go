// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coremongo/dispatcher/address"
	"github.com/coremongo/dispatcher/readpref"
)

func rsTopology(servers ...Server) Topology {
	kind := ReplicaSetNoPrimary
	for _, s := range servers {
		if s.Kind == RSPrimary {
			kind = ReplicaSetWithPrimary
		}
	}
	return Topology{Kind: kind, Servers: servers}
}

func TestReadPrefSelectorModeFallback(t *testing.T) {
	t.Parallel()

	primary := Server{Addr: "primary:27017", Kind: RSPrimary}
	secondary := Server{Addr: "secondary:27017", Kind: RSSecondary}
	topo := rsTopology(primary, secondary)

	rp, err := readpref.New(readpref.SecondaryPreferredMode)
	require.NoError(t, err)
	sel := &ReadPrefSelector{RP: rp}

	out, err := sel.SelectServer(topo, topo.Servers)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, secondary.Addr, out[0].Addr)

	// With no secondary available, secondaryPreferred falls back to primary.
	topoNoSecondary := rsTopology(primary)
	out, err = sel.SelectServer(topoNoSecondary, topoNoSecondary.Servers)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, primary.Addr, out[0].Addr)
}

func TestReadPrefSelectorPrimaryModeExcludesSecondaries(t *testing.T) {
	t.Parallel()

	primary := Server{Addr: "primary:27017", Kind: RSPrimary}
	secondary := Server{Addr: "secondary:27017", Kind: RSSecondary}
	topo := rsTopology(primary, secondary)

	rp, err := readpref.New(readpref.PrimaryMode)
	require.NoError(t, err)
	sel := &ReadPrefSelector{RP: rp}

	out, err := sel.SelectServer(topo, topo.Servers)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, RSPrimary, out[0].Kind)
}

func TestReadPrefSelectorTagSetsFirstMatchWins(t *testing.T) {
	t.Parallel()

	east := Server{Addr: "east:27017", Kind: RSSecondary, Tags: map[string]string{"dc": "east"}}
	west := Server{Addr: "west:27017", Kind: RSSecondary, Tags: map[string]string{"dc": "west"}}
	topo := rsTopology(east, west)

	rp, err := readpref.New(readpref.SecondaryMode, readpref.WithTagSets(
		readpref.TagSet{"dc": "nonexistent"},
		readpref.TagSet{"dc": "west"},
	))
	require.NoError(t, err)
	sel := &ReadPrefSelector{RP: rp}

	out, err := sel.SelectServer(topo, topo.Servers)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, west.Addr, out[0].Addr)
}

func TestReadPrefSelectorMaxStalenessExcludesLaggingSecondary(t *testing.T) {
	t.Parallel()

	now := time.Now()
	primary := Server{Addr: "primary:27017", Kind: RSPrimary, LastWriteDate: now}
	fresh := Server{Addr: "fresh:27017", Kind: RSSecondary, LastWriteDate: now.Add(-1 * time.Second)}
	stale := Server{Addr: "stale:27017", Kind: RSSecondary, LastWriteDate: now.Add(-2 * time.Minute)}
	topo := rsTopology(primary, fresh, stale)

	rp, err := readpref.New(readpref.SecondaryMode, readpref.WithMaxStaleness(90*time.Second))
	require.NoError(t, err)
	sel := &ReadPrefSelector{RP: rp, HeartbeatFrequency: 10 * time.Second}

	out, err := sel.SelectServer(topo, topo.Servers)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, fresh.Addr, out[0].Addr)
}

func TestReadPrefSelectorRejectsTooSmallMaxStaleness(t *testing.T) {
	t.Parallel()

	rp, err := readpref.New(readpref.SecondaryMode, readpref.WithMaxStaleness(1*time.Second))
	require.NoError(t, err)
	sel := &ReadPrefSelector{RP: rp, HeartbeatFrequency: 10 * time.Second}

	topo := rsTopology(Server{Addr: "a:27017", Kind: RSSecondary})
	_, err = sel.SelectServer(topo, topo.Servers)
	assert.Error(t, err)
}

func TestLatencySelectorKeepsOnlyWithinWindow(t *testing.T) {
	t.Parallel()

	fast := Server{Addr: "fast:27017", AverageRTT: 5 * time.Millisecond}
	ok := Server{Addr: "ok:27017", AverageRTT: 12 * time.Millisecond}
	slow := Server{Addr: "slow:27017", AverageRTT: 50 * time.Millisecond}

	sel := &LatencySelector{LocalThreshold: 15 * time.Millisecond}
	out, err := sel.SelectServer(Topology{}, []Server{fast, ok, slow})
	require.NoError(t, err)

	addrs := make([]address.Address, len(out))
	for i, s := range out {
		addrs[i] = s.Addr
	}
	assert.ElementsMatch(t, []address.Address{fast.Addr, ok.Addr}, addrs)
}

func TestWriteSelectorReturnsOnlyPrimaryInReplicaSet(t *testing.T) {
	t.Parallel()

	primary := Server{Addr: "primary:27017", Kind: RSPrimary}
	secondary := Server{Addr: "secondary:27017", Kind: RSSecondary}
	topo := rsTopology(primary, secondary)

	out, err := WriteSelector{}.SelectServer(topo, topo.Servers)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, RSPrimary, out[0].Kind)
}

func TestWriteSelectorReturnsMongosInShardedCluster(t *testing.T) {
	t.Parallel()

	m1 := Server{Addr: "mongos1:27017", Kind: Mongos}
	m2 := Server{Addr: "mongos2:27017", Kind: Mongos}
	topo := Topology{Kind: Sharded, Servers: []Server{m1, m2}}

	out, err := WriteSelector{}.SelectServer(topo, topo.Servers)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestCompositeWriteSelectorSingleTopologyShortCircuits(t *testing.T) {
	t.Parallel()

	only := Server{Addr: "only:27017", Kind: Standalone}
	topo := Topology{Kind: Single, Servers: []Server{only}}

	sel := CompositeWriteSelector(15 * time.Millisecond)
	out, err := sel.SelectServer(topo, topo.Servers)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, only.Addr, out[0].Addr)
}

func TestCompositeSelectorShortCircuitsOnEmptyCandidates(t *testing.T) {
	t.Parallel()

	rp, err := readpref.New(readpref.SecondaryMode)
	require.NoError(t, err)

	topo := rsTopology(Server{Addr: "primary:27017", Kind: RSPrimary})
	sel := CompositeReadSelector(rp, 10*time.Second, 15*time.Millisecond, nil)

	out, err := sel.SelectServer(topo, topo.Servers)
	require.NoError(t, err)
	assert.Empty(t, out)
}

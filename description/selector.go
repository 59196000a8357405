// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"fmt"
	"time"

	"github.com/coremongo/dispatcher/readpref"
)

// ServerSelector filters (or reorders) a candidate list of servers given the
// topology they were drawn from. The final uniform-random pick among the
// returned candidates is the caller's job (driver/topology.Topology), not
// the selector's, so that every selector in a chain operates on the same
// "still eligible" semantics.
type ServerSelector interface {
	SelectServer(Topology, []Server) ([]Server, error)
}

// ServerSelectorFunc adapts a function to the ServerSelector interface.
type ServerSelectorFunc func(Topology, []Server) ([]Server, error)

// SelectServer implements ServerSelector.
func (f ServerSelectorFunc) SelectServer(t Topology, candidates []Server) ([]Server, error) {
	return f(t, candidates)
}

// CompositeSelector threads candidates through a sequence of selectors,
// narrowing (or erroring out) at each stage, matching spec §4.3.1's
// numbered steps.
type CompositeSelector struct {
	Selectors []ServerSelector
}

// SelectServer implements ServerSelector.
func (cs *CompositeSelector) SelectServer(t Topology, candidates []Server) ([]Server, error) {
	var err error
	for _, s := range cs.Selectors {
		candidates, err = s.SelectServer(t, candidates)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			return candidates, nil
		}
	}
	return candidates, nil
}

// singleOrDirectSelector implements spec §4.3.1 step 1: in a Single or
// Direct topology the sole server is selected regardless of preference.
type singleOrDirectSelector struct{}

func (singleOrDirectSelector) SelectServer(t Topology, candidates []Server) ([]Server, error) {
	if t.Kind == Single || t.Kind == Direct {
		return t.Servers, nil
	}
	return candidates, nil
}

// ReadPrefSelector filters candidates by read preference mode, then
// max-staleness, then tag sets, implementing spec §4.3.1 steps 2-4. The
// step 7 check on primary mode is made by readpref.New.
type ReadPrefSelector struct {
	RP                 *readpref.ReadPref
	HeartbeatFrequency time.Duration
}

// SelectServer implements ServerSelector.
func (rs *ReadPrefSelector) SelectServer(t Topology, candidates []Server) ([]Server, error) {
	if t.Kind == Single || t.Kind == Direct || t.Kind == LoadBalanced {
		return candidates, nil
	}

	if err := rs.RP.ValidateMaxStaleness(rs.HeartbeatFrequency); err != nil {
		return nil, err
	}

	if t.Kind == Sharded {
		// Mongos already applies read preference server-side; any mongos
		// is a candidate for every mode.
		return filterKind(candidates, Mongos), nil
	}

	byMode := rs.filterByMode(candidates)
	byStaleness, err := rs.filterByMaxStaleness(t, byMode)
	if err != nil {
		return nil, err
	}
	return rs.filterByTagSets(byStaleness), nil
}

func filterKind(candidates []Server, kinds ...ServerKind) []Server {
	var out []Server
	for _, s := range candidates {
		for _, k := range kinds {
			if s.Kind == k {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

func (rs *ReadPrefSelector) filterByMode(candidates []Server) []Server {
	switch rs.RP.Mode() {
	case readpref.PrimaryMode:
		return filterKind(candidates, RSPrimary)
	case readpref.SecondaryMode:
		return filterKind(candidates, RSSecondary)
	case readpref.PrimaryPreferredMode:
		if p := filterKind(candidates, RSPrimary); len(p) > 0 {
			return p
		}
		return filterKind(candidates, RSSecondary)
	case readpref.SecondaryPreferredMode:
		if s := filterKind(candidates, RSSecondary); len(s) > 0 {
			return s
		}
		return filterKind(candidates, RSPrimary)
	case readpref.NearestMode:
		return filterKind(candidates, RSPrimary, RSSecondary)
	default:
		return candidates
	}
}

// filterByMaxStaleness implements spec §4.3.1 step 3: a secondary is
// rejected if (primary.lastWriteDate - secondary.lastWriteDate) +
// heartbeatFrequency exceeds maxStalenessSeconds. With no primary, the most
// recently written secondary stands in as the staleness reference.
func (rs *ReadPrefSelector) filterByMaxStaleness(t Topology, candidates []Server) ([]Server, error) {
	maxStaleness, ok := rs.RP.MaxStaleness()
	if !ok || maxStaleness < 0 || rs.RP.Mode() == readpref.PrimaryMode {
		return candidates, nil
	}

	primary, hasPrimary := t.Primary()

	var reference time.Time
	if hasPrimary {
		reference = primary.LastWriteDate
	} else {
		for _, s := range candidates {
			if s.Kind == RSSecondary && s.LastWriteDate.After(reference) {
				reference = s.LastWriteDate
			}
		}
	}

	var out []Server
	for _, s := range candidates {
		if s.Kind != RSSecondary {
			out = append(out, s)
			continue
		}
		lag := reference.Sub(s.LastWriteDate) + rs.HeartbeatFrequency
		if lag <= maxStaleness {
			out = append(out, s)
		}
	}
	return out, nil
}

// filterByTagSets implements spec §4.3.1 step 4: evaluate tag sets in
// order, using the first one for which at least one candidate matches every
// key/value pair.
func (rs *ReadPrefSelector) filterByTagSets(candidates []Server) []Server {
	tagSets := rs.RP.TagSets()
	if len(tagSets) == 0 {
		return candidates
	}
	for _, ts := range tagSets {
		var matched []Server
		for _, s := range candidates {
			if ts.Matches(s.Tags) {
				matched = append(matched, s)
			}
		}
		if len(matched) > 0 {
			return matched
		}
	}
	return nil
}

// LatencySelector implements spec §4.3.1 step 6: retain every candidate
// within localThreshold of the fastest candidate's EWMA RTT.
type LatencySelector struct {
	LocalThreshold time.Duration
}

// SelectServer implements ServerSelector.
func (ls *LatencySelector) SelectServer(_ Topology, candidates []Server) ([]Server, error) {
	if len(candidates) == 0 {
		return candidates, nil
	}
	min := candidates[0].AverageRTT
	for _, s := range candidates[1:] {
		if s.AverageRTT < min {
			min = s.AverageRTT
		}
	}
	var out []Server
	ceiling := min + ls.LocalThreshold
	for _, s := range candidates {
		if s.AverageRTT <= ceiling {
			out = append(out, s)
		}
	}
	return out, nil
}

// WriteSelector selects servers eligible for a write: the primary in a
// replica set, any mongos in a sharded cluster, or the sole server in
// Single/Direct/LoadBalanced topologies.
type WriteSelector struct{}

// SelectServer implements ServerSelector.
func (WriteSelector) SelectServer(t Topology, candidates []Server) ([]Server, error) {
	switch t.Kind {
	case Single, Direct, LoadBalanced:
		return t.Servers, nil
	case Sharded:
		return filterKind(candidates, Mongos), nil
	default:
		return filterKind(candidates, RSPrimary), nil
	}
}

// CompositeReadSelector builds the standard selector chain for a read
// preference, matching the order of spec §4.3.1's steps: single/direct
// short-circuit, mode/staleness/tags filter, optional user selector,
// latency window.
func CompositeReadSelector(rp *readpref.ReadPref, heartbeatFrequency, localThreshold time.Duration, user ServerSelector) ServerSelector {
	selectors := []ServerSelector{
		singleOrDirectSelector{},
		&ReadPrefSelector{RP: rp, HeartbeatFrequency: heartbeatFrequency},
	}
	if user != nil {
		selectors = append(selectors, user)
	}
	selectors = append(selectors, &LatencySelector{LocalThreshold: localThreshold})
	return &CompositeSelector{Selectors: selectors}
}

// CompositeWriteSelector builds the selector chain for a write: single/
// direct short-circuit, then WriteSelector, then the latency window (to
// stay consistent with mongos selection when more than one is eligible).
func CompositeWriteSelector(localThreshold time.Duration) ServerSelector {
	return &CompositeSelector{Selectors: []ServerSelector{
		singleOrDirectSelector{},
		WriteSelector{},
		&LatencySelector{LocalThreshold: localThreshold},
	}}
}

// ErrServerSelectionTimeout matches the error kind spec §4.3.2/§7 names.
var ErrServerSelectionTimeout = fmt.Errorf("server selection timeout")

// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"bytes"
	"fmt"

	"github.com/coremongo/dispatcher/address"
	"github.com/coremongo/dispatcher/bson/primitive"
	"github.com/coremongo/dispatcher/description"
)

// fsm applies the SDAM state machine to an incoming ServerDescription,
// producing the next TopologyDescription. It embeds description.Topology
// directly, the way the Topology coordinator's own fsm does, so apply can
// read and mutate the topology-wide view (Kind, SetName, MaxSetVersion,
// MaxElectionID, SessionTimeoutMinutes) in place between heartbeats.
type fsm struct {
	description.Topology
}

func newFSM() *fsm {
	return &fsm{Topology: description.Topology{Kind: description.Unknown}}
}

// findServer returns the index of addr in f.Servers, if present.
func (f *fsm) findServer(addr address.Address) (int, bool) {
	for i, s := range f.Servers {
		if s.Addr == addr {
			return i, true
		}
	}
	return 0, false
}

// apply runs one ServerDescription through the state machine and returns the
// resulting TopologyDescription plus the ServerDescription that should be
// stored (ordinarily desc itself, unless it was superseded by a stale
// TopologyVersion).
func (f *fsm) apply(desc description.Server) (description.Topology, description.Server) {
	idx, ok := f.findServer(desc.Addr)
	if !ok {
		return f.Topology, desc
	}

	oldDesc := f.Servers[idx]
	if oldDesc.TopologyVersion.CompareToIncoming(desc.TopologyVersion) > 0 {
		return f.Topology, oldDesc
	}

	switch f.Kind {
	case description.Unset:
		f.applyUnset(desc)
	case description.Sharded:
		f.applySharded(desc)
	case description.ReplicaSetNoPrimary:
		f.applyRSNoPrimary(desc)
	case description.ReplicaSetWithPrimary:
		f.applyRSWithPrimary(desc)
	case description.Single:
		f.setServer(desc)
	case description.LoadBalanced:
		// A LoadBalanced topology never changes kind or membership; the LB
		// frontend's description is simply refreshed in place.
		f.setServer(desc)
	}

	f.refreshSessionTimeout()
	f.compatibilityCheck()
	return f.Topology, desc
}

// applyUnset handles the first heartbeat reply of an auto-discovering
// topology that hasn't yet learned its kind.
func (f *fsm) applyUnset(desc description.Server) {
	switch desc.Kind {
	case description.Standalone:
		f.updateUnsetToStandalone(desc)
	case description.Mongos:
		f.setServer(desc)
		f.Kind = description.Sharded
	case description.RSPrimary:
		f.updateRSFromPrimary(desc)
	case description.RSSecondary, description.RSArbiter, description.RSOther:
		f.updateRSWithoutPrimary(desc)
	case description.Unknown, description.RSGhost:
		f.setServer(desc)
	}
}

// updateUnsetToStandalone handles the special case spec §4.3.3 calls out: a
// standalone reply is only valid if it is the ONLY seed; with more than one
// seed it means a misconfiguration, and the server is dropped instead.
func (f *fsm) updateUnsetToStandalone(desc description.Server) {
	if len(f.Servers) != 1 {
		f.removeServer(desc.Addr)
		return
	}
	f.setServer(desc)
	f.Kind = description.Single
}

func (f *fsm) applySharded(desc description.Server) {
	switch desc.Kind {
	case description.Mongos, description.Unknown:
		f.setServer(desc)
	default:
		f.removeServer(desc.Addr)
	}
}

func (f *fsm) applyRSNoPrimary(desc description.Server) {
	switch desc.Kind {
	case description.Standalone, description.Mongos:
		f.removeServer(desc.Addr)
	case description.RSPrimary:
		f.updateRSFromPrimary(desc)
	case description.RSSecondary, description.RSArbiter, description.RSOther:
		f.updateRSWithoutPrimary(desc)
	case description.Unknown, description.RSGhost:
		f.setServer(desc)
	}
}

func (f *fsm) applyRSWithPrimary(desc description.Server) {
	switch desc.Kind {
	case description.Standalone, description.Mongos:
		f.removeServer(desc.Addr)
		f.checkIfHasPrimary()
	case description.RSPrimary:
		f.updateRSFromPrimary(desc)
	case description.RSSecondary, description.RSArbiter, description.RSOther:
		f.updateRSWithPrimaryFromMember(desc)
	case description.Unknown, description.RSGhost:
		f.setServer(desc)
		f.checkIfHasPrimary()
	}
}

// updateRSWithoutPrimary folds a secondary/arbiter/other reply into a
// ReplicaSetNoPrimary topology, adopting its setName on first sight and
// merging in any hosts/passives/arbiters it reports that aren't seeds yet.
func (f *fsm) updateRSWithoutPrimary(desc description.Server) {
	f.Kind = description.ReplicaSetNoPrimary

	if f.SetName == "" {
		f.SetName = desc.SetName
	} else if f.SetName != desc.SetName {
		f.removeServer(desc.Addr)
		return
	}

	f.addNewServers(desc)
	f.setServer(desc)
}

// updateRSWithPrimaryFromMember folds a non-primary reply into a
// ReplicaSetWithPrimary topology. A setName mismatch here means the member
// belongs to a different replica set entirely and must be dropped.
func (f *fsm) updateRSWithPrimaryFromMember(desc description.Server) {
	if f.SetName != desc.SetName {
		f.removeServer(desc.Addr)
		f.checkIfHasPrimary()
		return
	}
	f.setServer(desc)
	f.checkIfHasPrimary()
}

// updateRSFromPrimary folds a primary's reply in, which is the only source
// of truth for setVersion/electionId based primary-demotion per spec
// §4.3.3: an older (setVersion, electionId) pair never displaces the
// currently stored primary.
func (f *fsm) updateRSFromPrimary(desc description.Server) {
	if f.SetName == "" {
		f.SetName = desc.SetName
	} else if f.SetName != desc.SetName {
		f.removeServer(desc.Addr)
		f.checkIfHasPrimary()
		return
	}

	if desc.SetVersion != 0 && !desc.ElectionID.IsZero() {
		if f.MaxSetVersion != nil && !f.MaxElectionID.IsZero() &&
			(*f.MaxSetVersion > desc.SetVersion ||
				(*f.MaxSetVersion == desc.SetVersion && compareObjectID(f.MaxElectionID, desc.ElectionID) > 0)) {
			// Stale primary: a newer (setVersion, electionId) pair has
			// already been observed. Demote this reply to Unknown instead
			// of trusting it.
			unknown := description.Server{Addr: desc.Addr, Kind: description.Unknown, LastUpdateTime: desc.LastUpdateTime}
			f.setServer(unknown)
			f.checkIfHasPrimary()
			return
		}
		sv := desc.SetVersion
		f.MaxSetVersion = &sv
		f.MaxElectionID = desc.ElectionID
	}

	// demote any existing primary before installing the new one
	for i, s := range f.Servers {
		if s.Kind == description.RSPrimary && s.Addr != desc.Addr {
			f.Servers[i] = description.Server{Addr: s.Addr, Kind: description.Unknown, LastUpdateTime: s.LastUpdateTime}
		}
	}

	f.addNewServers(desc)
	f.removeServersNotIn(desc)
	f.setServer(desc)
	f.checkIfHasPrimary()
}

// addNewServers adds any of desc's Hosts/Passives/Arbiters this topology
// isn't already tracking, seeded as Unknown pending their own heartbeat.
func (f *fsm) addNewServers(desc description.Server) {
	for _, list := range [][]string{desc.Hosts, desc.Passives, desc.Arbiters} {
		for _, host := range list {
			addr := address.Address(host).Canonicalize()
			if _, ok := f.findServer(addr); !ok {
				f.Servers = append(f.Servers, description.NewDefaultServer(addr))
			}
		}
	}
}

// removeServersNotIn drops any tracked member the primary's host list no
// longer reports, matching spec §4.3.3's reconfiguration handling.
func (f *fsm) removeServersNotIn(desc description.Server) {
	known := map[address.Address]bool{}
	for _, list := range [][]string{desc.Hosts, desc.Passives, desc.Arbiters} {
		for _, host := range list {
			known[address.Address(host).Canonicalize()] = true
		}
	}
	var kept []description.Server
	for _, s := range f.Servers {
		if s.Addr == desc.Addr || known[s.Addr] {
			kept = append(kept, s)
		}
	}
	f.Servers = kept
}

func (f *fsm) setServer(desc description.Server) {
	idx, ok := f.findServer(desc.Addr)
	if !ok {
		f.Servers = append(f.Servers, desc)
		return
	}
	f.Servers[idx] = desc
}

func (f *fsm) removeServer(addr address.Address) {
	idx, ok := f.findServer(addr)
	if !ok {
		return
	}
	f.Servers = append(f.Servers[:idx], f.Servers[idx+1:]...)
}

// checkIfHasPrimary demotes the topology from ReplicaSetWithPrimary back to
// ReplicaSetNoPrimary once no tracked member reports RSPrimary anymore.
func (f *fsm) checkIfHasPrimary() {
	for _, s := range f.Servers {
		if s.Kind == description.RSPrimary {
			f.Kind = description.ReplicaSetWithPrimary
			return
		}
	}
	f.Kind = description.ReplicaSetNoPrimary
}

// refreshSessionTimeout recomputes SessionTimeoutMinutes as the minimum
// across all data-bearing members, or nil if any data-bearing member
// reports no timeout (sessions are then unsupported deployment-wide, per
// the Topology struct's SessionTimeoutMinutes doc comment).
func (f *fsm) refreshSessionTimeout() {
	var min *int64
	for _, s := range f.Servers {
		if !s.Kind.IsDataBearing() {
			continue
		}
		if s.SessionTimeoutMinutes == nil {
			f.SessionTimeoutMinutes = nil
			return
		}
		if min == nil || *s.SessionTimeoutMinutes < *min {
			v := *s.SessionTimeoutMinutes
			min = &v
		}
	}
	f.SessionTimeoutMinutes = min
}

// compatibilityCheck sets CompatibilityErr when any tracked server's wire
// version range doesn't overlap this module's SupportedWireVersions,
// matching the real driver's "Server at X reports wire version Y, but this
// version of the driver requires..." guard.
func (f *fsm) compatibilityCheck() {
	f.CompatibilityErr = nil
	for _, s := range f.Servers {
		if s.Kind == description.Unknown {
			continue
		}
		if s.MaxWireVersion < description.SupportedWireVersions.Min {
			f.CompatibilityErr = fmt.Errorf(
				"server at %s reports wire version %d, but this client requires at least %d (MongoDB %s)",
				s.Addr, s.MaxWireVersion, description.SupportedWireVersions.Min, "3.6")
			return
		}
		if s.MinWireVersion > description.SupportedWireVersions.Max {
			f.CompatibilityErr = fmt.Errorf(
				"server at %s requires wire version %d, but this client only supports up to %d",
				s.Addr, s.MinWireVersion, description.SupportedWireVersions.Max)
			return
		}
	}
}

// compareObjectID orders two ObjectIDs byte-wise. ObjectIDs embed a
// timestamp prefix, so byte order tracks creation order closely enough to
// break setVersion ties between election ids the way the real driver's
// bytes.Compare-based check does.
func compareObjectID(a, b primitive.ObjectID) int {
	return bytes.Compare(a[:], b[:])
}

// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"fmt"

	"github.com/coremongo/dispatcher/address"
	"github.com/coremongo/dispatcher/bson/primitive"
)

// TopologyKind represents the type of a deployment as a whole.
type TopologyKind uint32

// The possible kinds of a topology.
const (
	Unset TopologyKind = iota
	Single
	Direct
	ReplicaSet
	ReplicaSetNoPrimary
	ReplicaSetWithPrimary
	Sharded
	LoadBalanced
)

// String implements fmt.Stringer.
func (kind TopologyKind) String() string {
	switch kind {
	case Single:
		return "Single"
	case Direct:
		return "Direct"
	case ReplicaSetNoPrimary:
		return "ReplicaSetNoPrimary"
	case ReplicaSetWithPrimary:
		return "ReplicaSetWithPrimary"
	case Sharded:
		return "Sharded"
	case LoadBalanced:
		return "LoadBalanced"
	default:
		return "Unknown"
	}
}

// Topology is an immutable snapshot of the whole deployment's observed
// state: every server the fsm currently considers a member, plus the
// replica-set-wide bookkeeping (set name, max seen set version/election id,
// and the minimum logical session timeout across data-bearing members).
//
// Per invariant (a), if Kind == ReplicaSetWithPrimary exactly one Servers
// entry has Kind == RSPrimary.
type Topology struct {
	Kind    TopologyKind
	Servers []Server
	SetName string

	MaxSetVersion *uint32
	MaxElectionID primitive.ObjectID

	// SessionTimeoutMinutes is the minimum logical session timeout reported
	// across all data-bearing members; nil if any data-bearing member
	// reports no timeout (sessions are then unsupported deployment-wide).
	SessionTimeoutMinutes *int64

	CompatibilityErr error
}

// Server looks up a member by address.
func (t Topology) Server(addr address.Address) (Server, bool) {
	for _, s := range t.Servers {
		if s.Addr == addr {
			return s, true
		}
	}
	return Server{}, false
}

// Primary returns the current RSPrimary, if any.
func (t Topology) Primary() (Server, bool) {
	for _, s := range t.Servers {
		if s.Kind == RSPrimary {
			return s, true
		}
	}
	return Server{}, false
}

// Equal reports whether two TopologyDescriptions describe the same member
// set and kind, used to suppress redundant change events.
func (t Topology) Equal(other Topology) bool {
	if t.Kind != other.Kind || t.SetName != other.SetName {
		return false
	}
	if len(t.Servers) != len(other.Servers) {
		return false
	}
	for i := range t.Servers {
		if !t.Servers[i].Equal(other.Servers[i]) {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (t Topology) String() string {
	s := fmt.Sprintf("Type: %s, Servers: [", t.Kind)
	for i, srv := range t.Servers {
		if i > 0 {
			s += ", "
		}
		s += srv.String()
	}
	return s + "]"
}

// CheckCompatible computes the compatibility error named in SPEC_FULL's
// supplemented features: every member whose Kind is not Unknown must report
// a wire version range overlapping SupportedWireVersions; otherwise it
// returns a plain error naming the first offending server.
func (t Topology) CheckCompatible() error {
	for _, s := range t.Servers {
		if s.Kind == Unknown || !s.AverageRTTSet && s.Kind == Unknown {
			continue
		}
		if s.MaxWireVersion < SupportedWireVersions.Min {
			return fmt.Errorf(
				"server at %s reports wire version %d, but this client requires at least %d (MongoDB %s)",
				s.Addr, s.MaxWireVersion, SupportedWireVersions.Min, "3.6")
		}
		if s.MinWireVersion > SupportedWireVersions.Max {
			return fmt.Errorf(
				"server at %s requires wire version %d, but this client supports at most %d",
				s.Addr, s.MinWireVersion, SupportedWireVersions.Max)
		}
	}
	return nil
}

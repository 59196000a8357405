// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package description holds the immutable snapshot types the topology
// coordinator hands between monitors, the selector, and dispatch: a single
// server's observed state and the deployment-wide view built from all of
// them.
package description

import (
	"fmt"
	"time"

	"github.com/coremongo/dispatcher/address"
	"github.com/coremongo/dispatcher/bson/primitive"
)

// ServerKind represents the type of a single server, as observed by its
// most recent heartbeat reply.
type ServerKind uint32

// The possible kinds of a server.
const (
	Unknown ServerKind = iota
	Standalone
	Mongos
	PossiblePrimary
	RSPrimary
	RSSecondary
	RSArbiter
	RSOther
	RSGhost
	LoadBalancer
)

// String implements fmt.Stringer.
func (kind ServerKind) String() string {
	switch kind {
	case Standalone:
		return "Standalone"
	case RSPrimary:
		return "RSPrimary"
	case RSSecondary:
		return "RSSecondary"
	case RSArbiter:
		return "RSArbiter"
	case RSOther:
		return "RSOther"
	case RSGhost:
		return "RSGhost"
	case Mongos:
		return "Mongos"
	case LoadBalancer:
		return "LoadBalancer"
	case PossiblePrimary:
		return "PossiblePrimary"
	default:
		return "Unknown"
	}
}

// IsDataBearing reports whether a server of this kind can hold data a client
// might read from or write to; arbiters and ghosts cannot.
func (kind ServerKind) IsDataBearing() bool {
	switch kind {
	case Standalone, RSPrimary, RSSecondary, Mongos, LoadBalancer:
		return true
	default:
		return false
	}
}

// TopologyVersion tracks the monotonic (processId, counter) pair a server
// reports in its hello/isMaster reply, used to detect and discard stale
// replies that raced a newer one.
type TopologyVersion struct {
	ProcessID primitive.ObjectID
	Counter   int64
}

// CompareToIncoming compares tv to an incoming TopologyVersion. It returns -1
// if tv is older, if either is nil, or if they come from different
// processes; 0 if they are equal; and 1 if tv is newer than incoming.
func (tv *TopologyVersion) CompareToIncoming(incoming *TopologyVersion) int {
	return CompareTopologyVersion(tv, incoming)
}

// CompareTopologyVersion compares two TopologyVersion pointers. A nil
// TopologyVersion is considered to precede any non-nil one (per the SDAM
// spec, absence of a topology version never counts as staleness). Versions
// from different processes also compare as -1.
func CompareTopologyVersion(current, incoming *TopologyVersion) int {
	if current == nil || incoming == nil {
		return -1
	}
	if current.ProcessID != incoming.ProcessID {
		return -1
	}
	switch {
	case current.Counter < incoming.Counter:
		return -1
	case current.Counter > incoming.Counter:
		return 1
	default:
		return 0
	}
}

// VersionRange describes the inclusive [Min, Max] wire version range a
// server or this driver supports, used for the compatibility check in
// TopologyDescription.
type VersionRange struct {
	Min int32
	Max int32
}

// Includes reports whether v is within the range.
func (vr VersionRange) Includes(v int32) bool {
	return v >= vr.Min && v <= vr.Max
}

// SupportedWireVersions is the range of wire protocol versions this module
// can speak to. Wire version 6 corresponds to MongoDB 3.6, the first
// release with logical session support, which this core depends on.
var SupportedWireVersions = VersionRange{Min: 6, Max: 21}

// Server is an immutable snapshot of one server's observed state, produced
// by a single heartbeat reply (or synthesized from a heartbeat failure).
// Per spec invariant: AverageRTT is never negative, and a server of Kind
// Unknown always reports zero wire versions.
type Server struct {
	Addr          address.Address
	Kind          ServerKind
	AverageRTT    time.Duration
	AverageRTTSet bool

	HeartbeatInterval time.Duration
	LastUpdateTime    time.Time
	LastWriteDate     time.Time
	OpTime            *OpTime

	MinWireVersion int32
	MaxWireVersion int32

	Tags map[string]string

	SetName    string
	SetVersion uint32
	ElectionID primitive.ObjectID

	SessionTimeoutMinutes *int64

	Hosts    []string
	Passives []string
	Arbiters []string

	Primary  address.Address
	HelloOK  bool
	LastError error

	TopologyVersion *TopologyVersion
}

// OpTime is a replication optime (Timestamp, Term), used to order writes
// across the replica set.
type OpTime struct {
	Timestamp uint32
	Ordinal   uint32
	Term      int64
}

// Before reports whether ot happened before other. A nil OpTime is
// considered to precede everything.
func (ot *OpTime) Before(other *OpTime) bool {
	if ot == nil {
		return other != nil
	}
	if other == nil {
		return false
	}
	if ot.Timestamp != other.Timestamp {
		return ot.Timestamp < other.Timestamp
	}
	return ot.Ordinal < other.Ordinal
}

// NewDefaultServer returns the zero-value Unknown description for a freshly
// seeded address, before its first heartbeat has completed.
func NewDefaultServer(addr address.Address) Server {
	return Server{Addr: addr, Kind: Unknown, LastUpdateTime: time.Now()}
}

// NewServerFromError builds the Unknown ServerDescription SDAM requires
// whenever a heartbeat or command reveals the server is unreachable or
// stepping down. Kind is forced to Unknown and the wire version fields are
// cleared.
func NewServerFromError(addr address.Address, err error, tv *TopologyVersion) Server {
	return Server{
		Addr:            addr,
		Kind:            Unknown,
		LastError:       err,
		LastUpdateTime:  time.Now(),
		TopologyVersion: tv,
	}
}

// SetAverageRTT returns a copy of s with the average RTT field set, used by
// the monitor after computing a fresh EWMA sample.
func (s Server) SetAverageRTT(rtt time.Duration) Server {
	s.AverageRTT = rtt
	s.AverageRTTSet = true
	return s
}

// Equal reports whether two ServerDescriptions describe the same observed
// state, for change-detection before publishing an SDAM event.
func (s Server) Equal(other Server) bool {
	if s.Addr != other.Addr || s.Kind != other.Kind {
		return false
	}
	if s.SetName != other.SetName || s.SetVersion != other.SetVersion || s.ElectionID != other.ElectionID {
		return false
	}
	if len(s.Hosts) != len(other.Hosts) {
		return false
	}
	for i := range s.Hosts {
		if s.Hosts[i] != other.Hosts[i] {
			return false
		}
	}
	if s.MinWireVersion != other.MinWireVersion || s.MaxWireVersion != other.MaxWireVersion {
		return false
	}
	return (s.LastError == nil) == (other.LastError == nil)
}

// String implements fmt.Stringer.
func (s Server) String() string {
	str := fmt.Sprintf("Addr: %s, Type: %s", s.Addr, s.Kind)
	if s.AverageRTTSet {
		str += fmt.Sprintf(", Average RTT: %s", s.AverageRTT)
	}
	if s.LastError != nil {
		str += fmt.Sprintf(", Last error: %s", s.LastError)
	}
	return str
}

// SupportsRetryWrites reports whether this server is eligible to retry a
// write: it must advertise logical sessions (wire version >= 6, the same
// gate as SessionTimeoutMinutes being set) and not be a standalone, since a
// standalone has no oplog to make a retried write idempotent against a
// duplicate (spec §4.4.1).
func (s Server) SupportsRetryWrites() bool {
	if s.Kind == Unknown || s.Kind == Standalone {
		return false
	}
	return s.SessionTimeoutMinutes != nil && s.MaxWireVersion >= 6
}

// SelectedServer pairs a Server snapshot with the TopologyKind it was
// selected out of, the way a Dispatcher needs to know to decide e.g.
// whether a mode mismatch is an error (Single/Direct never is).
type SelectedServer struct {
	Server
	Kind TopologyKind
}

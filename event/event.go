// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package event defines the monitoring event types and callback interfaces
// an application can register to observe SDAM transitions, command
// execution, and connection pool activity (spec §6's
// "monitoringCallback(event)" collaborator).
package event

import (
	"github.com/coremongo/dispatcher/address"
	"github.com/coremongo/dispatcher/bson"
	"github.com/coremongo/dispatcher/bson/primitive"
	"github.com/coremongo/dispatcher/description"
)

// ServerDescriptionChangedEvent is published whenever a monitor's new
// ServerDescription differs from the one the topology previously held for
// that address.
type ServerDescriptionChangedEvent struct {
	Address             address.Address
	TopologyID          primitive.ObjectID
	PreviousDescription description.Server
	NewDescription      description.Server
}

// ServerClosedEvent is published when a server is removed from the topology
// and its monitor is torn down.
type ServerClosedEvent struct {
	Address    address.Address
	TopologyID primitive.ObjectID
}

// ServerOpeningEvent is published when a server is added to the topology
// and a monitor is started for it.
type ServerOpeningEvent struct {
	Address    address.Address
	TopologyID primitive.ObjectID
}

// TopologyDescriptionChangedEvent is published whenever the topology's
// overall TopologyDescription changes.
type TopologyDescriptionChangedEvent struct {
	TopologyID          primitive.ObjectID
	PreviousDescription description.Topology
	NewDescription      description.Topology
}

// TopologyOpeningEvent is published once, when a Topology is constructed.
type TopologyOpeningEvent struct {
	TopologyID primitive.ObjectID
}

// TopologyClosedEvent is published once, when a Topology is disconnected.
type TopologyClosedEvent struct {
	TopologyID primitive.ObjectID
}

// ServerMonitor is a set of callbacks for SDAM events. Any field may be nil.
type ServerMonitor struct {
	ServerDescriptionChanged   func(*ServerDescriptionChangedEvent)
	ServerOpening              func(*ServerOpeningEvent)
	ServerClosed               func(*ServerClosedEvent)
	TopologyDescriptionChanged func(*TopologyDescriptionChangedEvent)
	TopologyOpening            func(*TopologyOpeningEvent)
	TopologyClosed             func(*TopologyClosedEvent)
}

// CommandStartedEvent is published immediately before a command is written
// to a connection.
type CommandStartedEvent struct {
	Command      bson.Raw
	DatabaseName string
	CommandName  string
	RequestID    int64
	ConnectionID string
}

// CommandSucceededEvent is published after a command's reply has been read
// and contains no server-reported error.
type CommandSucceededEvent struct {
	DurationNanos int64
	CommandName   string
	Reply         bson.Raw
	RequestID     int64
	ConnectionID  string
}

// CommandFailedEvent is published when a command round-trip fails, either
// at the transport level or via a server-reported error.
type CommandFailedEvent struct {
	DurationNanos int64
	CommandName   string
	Failure       error
	RequestID     int64
	ConnectionID  string
}

// CommandMonitor is a set of callbacks for command lifecycle events. Any
// field may be nil.
type CommandMonitor struct {
	Started   func(CommandStartedEvent)
	Succeeded func(CommandSucceededEvent)
	Failed    func(CommandFailedEvent)
}

// PoolEvent is published for connection pool checkout/checkin/create/close
// activity.
type PoolEvent struct {
	Type    string
	Address string
	Reason  string
}

// The well-known PoolEvent.Type values.
const (
	PoolEventConnectionCheckOutStarted = "ConnectionCheckOutStarted"
	PoolEventConnectionCheckedOut      = "ConnectionCheckedOut"
	PoolEventConnectionCheckedIn       = "ConnectionCheckedIn"
	PoolEventConnectionCreated         = "ConnectionCreated"
	PoolEventConnectionClosed          = "ConnectionClosed"
	PoolEventPoolCleared               = "PoolCleared"
)

// PoolMonitor is a callback for connection pool events. It may be nil.
type PoolMonitor struct {
	Event func(*PoolEvent)
}

// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package logger

import "github.com/coremongo/dispatcher/bson"

// ComponentMessage is a structured log message belonging to one Component.
// Serialize returns alternating key/value pairs suitable for a LogSink's
// variadic keysAndValues argument.
type ComponentMessage interface {
	Component() Component
	Message() string
	Serialize() []interface{}
}

// CommandStartedMessage is logged at LevelDebug when a command is about to
// be sent on the wire.
type CommandStartedMessage struct {
	CommandName string
	DatabaseName string
	RequestID   int64
	Address     string
	Command     bson.Raw
}

// Component implements ComponentMessage.
func (m *CommandStartedMessage) Component() Component { return ComponentCommand }

// Message implements ComponentMessage.
func (m *CommandStartedMessage) Message() string { return "Command started" }

// Serialize implements ComponentMessage.
func (m *CommandStartedMessage) Serialize() []interface{} {
	return []interface{}{
		"commandName", m.CommandName,
		"databaseName", m.DatabaseName,
		"requestId", m.RequestID,
		"address", m.Address,
		"command", m.Command,
	}
}

// CommandSucceededMessage is logged at LevelDebug when a command's reply
// has been read successfully.
type CommandSucceededMessage struct {
	CommandName string
	RequestID   int64
	Address     string
	DurationMS  int64
	Reply       bson.Raw
}

// Component implements ComponentMessage.
func (m *CommandSucceededMessage) Component() Component { return ComponentCommand }

// Message implements ComponentMessage.
func (m *CommandSucceededMessage) Message() string { return "Command succeeded" }

// Serialize implements ComponentMessage.
func (m *CommandSucceededMessage) Serialize() []interface{} {
	return []interface{}{
		"commandName", m.CommandName,
		"requestId", m.RequestID,
		"address", m.Address,
		"durationMS", m.DurationMS,
		"reply", m.Reply,
	}
}

// CommandFailedMessage is logged at LevelDebug when a command round-trip
// failed.
type CommandFailedMessage struct {
	CommandName string
	RequestID   int64
	Address     string
	DurationMS  int64
	Failure     string
}

// Component implements ComponentMessage.
func (m *CommandFailedMessage) Component() Component { return ComponentCommand }

// Message implements ComponentMessage.
func (m *CommandFailedMessage) Message() string { return "Command failed" }

// Serialize implements ComponentMessage.
func (m *CommandFailedMessage) Serialize() []interface{} {
	return []interface{}{
		"commandName", m.CommandName,
		"requestId", m.RequestID,
		"address", m.Address,
		"durationMS", m.DurationMS,
		"failure", m.Failure,
	}
}

// CommandMessageDropped is substituted when the internal print job queue is
// full, so a burst of command traffic never blocks the hot path waiting on
// the logger.
type CommandMessageDropped struct{}

// Component implements ComponentMessage.
func (CommandMessageDropped) Component() Component { return ComponentCommand }

// Message implements ComponentMessage.
func (CommandMessageDropped) Message() string { return "Command message dropped due to full queue" }

// Serialize implements ComponentMessage.
func (CommandMessageDropped) Serialize() []interface{} { return nil }

// ServerDescriptionChangedMessage is logged at LevelDebug for SDAM server
// description transitions.
type ServerDescriptionChangedMessage struct {
	Address         string
	TopologyID      string
	PreviousKind    string
	NewKind         string
}

// Component implements ComponentMessage.
func (m *ServerDescriptionChangedMessage) Component() Component { return ComponentTopology }

// Message implements ComponentMessage.
func (m *ServerDescriptionChangedMessage) Message() string { return "Server description changed" }

// Serialize implements ComponentMessage.
func (m *ServerDescriptionChangedMessage) Serialize() []interface{} {
	return []interface{}{
		"address", m.Address,
		"topologyId", m.TopologyID,
		"previousDescription", m.PreviousKind,
		"newDescription", m.NewKind,
	}
}

// ServerSelectionFailedMessage is logged at LevelInfo when server selection
// exhausts its deadline.
type ServerSelectionFailedMessage struct {
	Selector string
	Topology string
	Reason   string
}

// Component implements ComponentMessage.
func (m *ServerSelectionFailedMessage) Component() Component { return ComponentServerSelection }

// Message implements ComponentMessage.
func (m *ServerSelectionFailedMessage) Message() string { return "Server selection failed" }

// Serialize implements ComponentMessage.
func (m *ServerSelectionFailedMessage) Serialize() []interface{} {
	return []interface{}{
		"selector", m.Selector,
		"topologyDescription", m.Topology,
		"failure", m.Reason,
	}
}

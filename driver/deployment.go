// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"

	"github.com/coremongo/dispatcher/description"
)

// Deployment is the dispatcher's view of a Topology: enough to select a
// server and subscribe to description changes, without importing the
// topology package and its connection-pooling machinery. driver/topology.Topology
// satisfies this interface; tests substitute a fake.
type Deployment interface {
	SelectServer(ctx context.Context, selector description.ServerSelector) (Server, error)
	Kind() description.TopologyKind
}

// Subscriber is implemented by a Deployment that can push topology
// description changes to interested callers (Topology implements it; its
// SelectServer and Client.TopologyStatus use it to wait for updates).
type Subscriber interface {
	Subscribe() (*Subscription, error)
	Unsubscribe(*Subscription) error
}

// Subscription is returned by Subscriber.Subscribe. Updates is closed by
// Unsubscribe.
type Subscription struct {
	ID      uint64
	Updates chan description.Topology
}

// Server is a single selected, monitored server capable of handing out
// Connections. driver/topology.Server satisfies this.
type Server interface {
	Connection(ctx context.Context) (Connection, error)
	Description() description.Server
}

// Connection is the Link abstraction spec §2 names as an external
// collaborator: something that can exchange wire messages with one mongod
// or mongos, out of scope for framing/auth but required as an interface
// boundary for Operation.Execute to call through.
type Connection interface {
	WriteWireMessage(ctx context.Context, wm []byte) error
	ReadWireMessage(ctx context.Context) ([]byte, error)
	Description() description.Server
	Close() error
	ID() string
	Address() string
	Stale() bool
}

// ErrorProcessor is implemented by a driver.Server that participates in SDAM
// error handling (spec §9): after a failed attempt, dispatch calls
// ProcessError so the owning monitor can mark the server Unknown and clear
// its pool if the error names a NotMaster/NodeIsRecovering code or is a bare
// network failure. driver/topology.Server satisfies this; a fake Server in
// tests may choose not to.
type ErrorProcessor interface {
	ProcessError(err error, conn Connection)
}

// SingleConnectionDeployment adapts one already-established Connection into
// a Deployment, used wherever an operation runs on one known connection
// rather than a selected server: the connection handshake, a server
// monitor's heartbeat, and authentication (grounded on the teacher's
// identically named helper in x/mongo/driver/topology).
type SingleConnectionDeployment struct {
	C Connection
}

// SelectServer implements Deployment by always returning the single wrapped
// connection, regardless of selector.
func (scd SingleConnectionDeployment) SelectServer(context.Context, description.ServerSelector) (Server, error) {
	return singleServer{c: scd.C}, nil
}

// Kind implements Deployment.
func (scd SingleConnectionDeployment) Kind() description.TopologyKind { return description.Single }

type singleServer struct {
	c Connection
}

func (s singleServer) Connection(context.Context) (Connection, error) { return s.c, nil }
func (s singleServer) Description() description.Server                { return s.c.Description() }

// Copyright (C) MongoDB, Inc. 2021-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package operation holds the concrete Operation builders the dispatcher
// sends: the hello/isMaster handshake and the generic CRUD commands.
package operation

import (
	"context"
	"errors"
	"strconv"

	"github.com/coremongo/dispatcher/address"
	"github.com/coremongo/dispatcher/bson"
	"github.com/coremongo/dispatcher/description"
	"github.com/coremongo/dispatcher/driver"
	"github.com/coremongo/dispatcher/driver/session"
	"github.com/coremongo/dispatcher/internal"
	"github.com/coremongo/dispatcher/x/bsonx/bsoncore"
)

// Hello runs the handshake operation: a single hello/isMaster round trip
// used both by a server Monitor's heartbeat loop and by a freshly dialed
// connection's handshake before it joins a pool.
type Hello struct {
	compressors     []string
	d               driver.Deployment
	clock           *session.ClusterClock
	speculativeAuth bsoncore.Document
	topologyVersion *description.TopologyVersion
	maxAwaitTimeMS  *int64
	serverAPI       *driver.ServerAPIOptions
	loadBalanced    bool

	res bson.Raw
}

var _ driver.Handshaker = (*Hello)(nil)

// NewHello constructs a Hello.
func NewHello() *Hello { return &Hello{} }

// ClusterClock sets the cluster clock whose current value is gossiped in
// the handshake command.
func (h *Hello) ClusterClock(clock *session.ClusterClock) *Hello {
	h.clock = clock
	return h
}

// Compressors sets the list of compressors this client supports,
// negotiated via the "compression" field.
func (h *Hello) Compressors(compressors []string) *Hello {
	h.compressors = compressors
	return h
}

// Deployment sets the deployment the operation is executed against.
func (h *Hello) Deployment(d driver.Deployment) *Hello {
	h.d = d
	return h
}

// SpeculativeAuthenticate attaches a speculativeAuthenticate sub-document to
// the handshake command, letting the first round trip of SCRAM/X.509 ride
// along with hello instead of costing a second round trip.
func (h *Hello) SpeculativeAuthenticate(doc bsoncore.Document) *Hello {
	h.speculativeAuth = doc
	return h
}

// TopologyVersion sets the last known TopologyVersion, included so the
// server can reply immediately if nothing has changed (streaming
// isMaster/awaitable hello).
func (h *Hello) TopologyVersion(tv *description.TopologyVersion) *Hello {
	h.topologyVersion = tv
	return h
}

// MaxAwaitTimeMS sets the maxAwaitTimeMS field for a streaming heartbeat.
func (h *Hello) MaxAwaitTimeMS(awaitTime int64) *Hello {
	h.maxAwaitTimeMS = &awaitTime
	return h
}

// ServerAPI sets the declared server API version.
func (h *Hello) ServerAPI(serverAPI *driver.ServerAPIOptions) *Hello {
	h.serverAPI = serverAPI
	return h
}

// LoadBalanced marks whether the client was configured for load-balanced
// mode, which forces the modern "hello" command name even against servers
// that haven't reported helloOk yet.
func (h *Hello) LoadBalanced(lb bool) *Hello {
	h.loadBalanced = lb
	return h
}

// Result parses the buffered reply into a ServerDescription for addr.
func (h *Hello) Result(addr address.Address) description.Server {
	return description.NewServer(addr, h.res)
}

func (h *Hello) command(dst []byte, desc description.SelectedServer) ([]byte, error) {
	if desc.Kind == description.LoadBalanced || h.loadBalanced || h.serverAPI != nil || desc.Server.HelloOK {
		dst = bsoncore.AppendInt32Element(dst, "hello", 1)
	} else {
		dst = bsoncore.AppendInt32Element(dst, internal.LegacyHello, 1)
	}
	dst = bsoncore.AppendBooleanElement(dst, "helloOk", true)

	if tv := h.topologyVersion; tv != nil {
		tvIdx, d2 := bsoncore.AppendDocumentElementStart(dst, "topologyVersion")
		d2 = bsoncore.AppendObjectIDElement(d2, "processId", tv.ProcessID)
		d2 = bsoncore.AppendInt64Element(d2, "counter", tv.Counter)
		dst, _ = bsoncore.AppendDocumentEnd(d2, tvIdx)
	}
	if h.maxAwaitTimeMS != nil {
		dst = bsoncore.AppendInt64Element(dst, "maxAwaitTimeMS", *h.maxAwaitTimeMS)
	}

	clientIdx, d3 := bsoncore.AppendDocumentElementStart(dst, "client")
	d3 = bsoncore.AppendDocumentElement(d3, "driver", internal.ClientDriverDoc())
	d3 = bsoncore.AppendDocumentElement(d3, "os", internal.ClientOSDoc())
	dst, _ = bsoncore.AppendDocumentEnd(d3, clientIdx)

	return dst, nil
}

func (h *Hello) handshakeCommand(dst []byte, desc description.SelectedServer) ([]byte, error) {
	dst, err := h.command(dst, desc)
	if err != nil {
		return dst, err
	}

	if h.speculativeAuth != nil {
		dst = bsoncore.AppendDocumentElement(dst, "speculativeAuthenticate", h.speculativeAuth)
	}

	idx, d2 := bsoncore.AppendArrayElementStart(dst, "compression")
	for i, compressor := range h.compressors {
		d2 = bsoncore.AppendStringElement(d2, strconv.Itoa(i), compressor)
	}
	dst, _ = bsoncore.AppendArrayEnd(d2, idx)

	return dst, nil
}

// Execute runs the hello command against h's Deployment; a server monitor's
// heartbeat loop sets that to a SingleConnectionDeployment over one
// connection.
func (h *Hello) Execute(ctx context.Context) error {
	if h.d == nil {
		return errors.New("operation: a Hello must have a Deployment set before Execute can be called")
	}
	return h.createOperation().Execute(ctx)
}

func (h *Hello) createOperation() driver.Operation {
	return driver.Operation{
		Clock:      h.clock,
		CommandFn:  h.command,
		Database:   "admin",
		Deployment: h.d,
		ProcessResponseFn: func(info driver.ResponseInfo) error {
			h.res = bson.Raw(info.ServerResponse)
			return nil
		},
		ServerAPI: h.serverAPI,
	}
}

// GetHandshakeInformation performs the handshake over a single freshly
// dialed Connection (not yet pooled, so not reachable via server selection)
// and returns the relevant information. Implements driver.Handshaker.
func (h *Hello) GetHandshakeInformation(ctx context.Context, addr address.Address, c driver.Connection) (driver.HandshakeInformation, error) {
	err := driver.Operation{
		Clock:      h.clock,
		CommandFn:  h.handshakeCommand,
		Deployment: driver.SingleConnectionDeployment{C: c},
		Database:   "admin",
		ProcessResponseFn: func(info driver.ResponseInfo) error {
			h.res = bson.Raw(info.ServerResponse)
			return nil
		},
		ServerAPI: h.serverAPI,
	}.Execute(ctx)
	if err != nil {
		return driver.HandshakeInformation{}, err
	}

	info := driver.HandshakeInformation{Description: h.Result(addr)}
	if speculativeAuthenticate, ok := h.res.Lookup("speculativeAuthenticate").DocumentOK(); ok {
		info.SpeculativeAuthenticate = speculativeAuthenticate
	}
	if serverConnectionID, ok := h.res.Lookup("connectionId").Int32OK(); ok {
		info.ServerConnectionID = &serverConnectionID
	}
	if mechs, ok := h.res.Lookup("saslSupportedMechs").ArrayOK(); ok {
		_ = mechs.Elements(func(_ string, v bsoncore.Value) bool {
			if s, ok := v.StringValueOK(); ok {
				info.SaslSupportedMechs = append(info.SaslSupportedMechs, s)
			}
			return true
		})
	}
	return info, nil
}

// FinishHandshake implements driver.Handshaker. It is a no-op because a
// non-authenticated connection's handshake is complete after the initial
// hello; auth conversations beyond speculative auth are continued from
// driver/auth, not here.
func (h *Hello) FinishHandshake(context.Context, driver.Connection) error {
	return nil
}

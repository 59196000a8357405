// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"

	"github.com/coremongo/dispatcher/address"
	"github.com/coremongo/dispatcher/description"
	"github.com/coremongo/dispatcher/x/bsonx/bsoncore"
)

// Handshaker runs the initial hello/isMaster exchange (and, once speculative
// auth is negotiated, the remainder of an auth conversation) over a freshly
// dialed Connection before it is returned to a pool. driver/operation.Hello
// implements this.
type Handshaker interface {
	GetHandshakeInformation(ctx context.Context, addr address.Address, conn Connection) (HandshakeInformation, error)
	FinishHandshake(ctx context.Context, conn Connection) error
}

// HandshakeInformation is the result of the speculative first round of a
// handshake: the server description plus whatever a speculative auth
// conversation managed to negotiate, so FinishHandshake can complete it
// without a second round trip.
type HandshakeInformation struct {
	Description             description.Server
	SpeculativeAuthenticate bsoncore.Document
	ServerConnectionID      *int32
	SaslSupportedMechs      []string
}

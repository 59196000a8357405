// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package auth implements the authentication mechanisms a connection
// handshake can run once hello/isMaster has completed: SCRAM-SHA-1 and
// SCRAM-SHA-256 end to end, and a MONGODB-X509 stub whose Auth only sends
// the authenticate command with the configured username, since full TLS is
// out of scope for this module (spec §1's Non-goals); a standalone
// ValidateClientKey helper parses a PKCS#8 client key. GSSAPI/Kerberos and
// MONGODB-AWS are not implemented.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/coremongo/dispatcher/description"
	"github.com/coremongo/dispatcher/driver"
	"github.com/coremongo/dispatcher/x/bsonx/bsoncore"
)

const defaultAuthDB = "admin"

// Credential holds the username/password/source an Authenticator needs.
// Source defaults to "admin" when empty.
type Credential struct {
	Username string
	Password string
	Source   string
}

func (c *Credential) source() string {
	if c == nil || c.Source == "" {
		return defaultAuthDB
	}
	return c.Source
}

// Authenticator runs a full authentication conversation over an
// already-handshaken Connection.
type Authenticator interface {
	Auth(ctx context.Context, conn driver.Connection) error
}

// NewAuthenticator builds the Authenticator named by mechanism. Supported
// mechanisms are "SCRAM-SHA-1", "SCRAM-SHA-256", and "MONGODB-X509"; an
// empty mechanism defaults to SCRAM-SHA-256, matching the driver's
// negotiation default when a server doesn't advertise saslSupportedMechs.
func NewAuthenticator(mechanism string, cred *Credential) (Authenticator, error) {
	switch mechanism {
	case "", MechanismScramSHA256:
		return NewScramAuthenticator(MechanismScramSHA256, cred), nil
	case MechanismScramSHA1:
		return NewScramAuthenticator(MechanismScramSHA1, cred), nil
	case MechanismMongoDBX509:
		return NewX509Authenticator(cred)
	default:
		return nil, fmt.Errorf("auth: unsupported mechanism %q", mechanism)
	}
}

// saslClient is the minimal client side of a SASL conversation, grounded on
// the teacher's mongo/private/auth SaslClient interface.
type saslClient interface {
	Start() (mechanism string, payload []byte, err error)
	Next(challenge []byte) (payload []byte, err error)
	Completed() bool
}

type saslReply struct {
	conversationID int32
	code           int32
	done           bool
	payload        []byte
}

// conductSaslConversation drives saslStart/saslContinue against conn until
// client reports it is done, mirroring the teacher's ConductSaslConversation
// but built on this module's driver.Operation/bsoncore instead of the
// legacy conn/msg/bson packages.
func conductSaslConversation(ctx context.Context, conn driver.Connection, db string, client saslClient) error {
	if db == "" {
		db = defaultAuthDB
	}

	mechanism, payload, err := client.Start()
	if err != nil {
		return fmt.Errorf("auth: starting %s conversation: %w", mechanism, err)
	}

	reply, err := sendSaslStart(ctx, conn, db, mechanism, payload)
	if err != nil {
		return fmt.Errorf("auth: saslStart: %w", err)
	}

	for {
		if reply.code != 0 {
			return fmt.Errorf("auth: server reported sasl error code %d", reply.code)
		}
		if reply.done && client.Completed() {
			return nil
		}

		payload, err = client.Next(reply.payload)
		if err != nil {
			return fmt.Errorf("auth: %s conversation step: %w", mechanism, err)
		}
		if reply.done && client.Completed() {
			return nil
		}

		reply, err = sendSaslContinue(ctx, conn, db, reply.conversationID, payload)
		if err != nil {
			return fmt.Errorf("auth: saslContinue: %w", err)
		}
	}
}

func sendSaslStart(ctx context.Context, conn driver.Connection, db, mechanism string, payload []byte) (saslReply, error) {
	return runAuthOp(ctx, conn, db, func(dst []byte) ([]byte, error) {
		dst = bsoncore.AppendInt32Element(dst, "saslStart", 1)
		dst = bsoncore.AppendStringElement(dst, "mechanism", mechanism)
		dst = bsoncore.AppendBinaryElement(dst, "payload", 0x00, payload)
		return dst, nil
	})
}

func sendSaslContinue(ctx context.Context, conn driver.Connection, db string, conversationID int32, payload []byte) (saslReply, error) {
	return runAuthOp(ctx, conn, db, func(dst []byte) ([]byte, error) {
		dst = bsoncore.AppendInt32Element(dst, "saslContinue", 1)
		dst = bsoncore.AppendInt32Element(dst, "conversationId", conversationID)
		dst = bsoncore.AppendBinaryElement(dst, "payload", 0x00, payload)
		return dst, nil
	})
}

// runAuthOp executes a single auth command (saslStart/saslContinue/
// authenticate) over the single given Connection and parses the fields
// every sasl reply carries.
func runAuthOp(ctx context.Context, conn driver.Connection, db string, cmdFn func(dst []byte) ([]byte, error)) (saslReply, error) {
	var reply saslReply
	var raw bsoncore.Document

	op := driver.Operation{
		Database:   db,
		Deployment: driver.SingleConnectionDeployment{C: conn},
		CommandFn: func(dst []byte, _ description.SelectedServer) ([]byte, error) {
			return cmdFn(dst)
		},
		ProcessResponseFn: func(info driver.ResponseInfo) error {
			raw = info.ServerResponse
			return nil
		},
	}

	if err := op.Execute(ctx); err != nil {
		var derr driver.Error
		if errors.As(err, &derr) {
			return saslReply{code: derr.Code}, nil
		}
		return reply, err
	}

	if id, ok := raw.Lookup("conversationId").Int32OK(); ok {
		reply.conversationID = id
	}
	if code, ok := raw.Lookup("code").Int32OK(); ok {
		reply.code = code
	}
	if done, ok := raw.Lookup("done").BooleanOK(); ok {
		reply.done = done
	}
	if _, payload, ok := raw.Lookup("payload").BinaryOK(); ok {
		reply.payload = payload
	}
	return reply, nil
}

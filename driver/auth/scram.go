// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"
	"fmt"

	"github.com/xdg-go/scram"
	"github.com/xdg-go/stringprep"

	"github.com/coremongo/dispatcher/driver"
)

// The SASL mechanism names this package negotiates.
const (
	MechanismScramSHA1   = "SCRAM-SHA-1"
	MechanismScramSHA256 = "SCRAM-SHA-256"
	MechanismMongoDBX509 = "MONGODB-X509"
)

// ScramAuthenticator authenticates via SCRAM-SHA-1 or SCRAM-SHA-256
// (RFC 5802), delegating the actual conversation math to xdg-go/scram and
// driving it the way the teacher's SaslClient/ConductSaslConversation do.
type ScramAuthenticator struct {
	mechanism string
	cred      *Credential
}

// NewScramAuthenticator builds a ScramAuthenticator for mechanism
// ("SCRAM-SHA-1" or "SCRAM-SHA-256") and cred.
func NewScramAuthenticator(mechanism string, cred *Credential) *ScramAuthenticator {
	return &ScramAuthenticator{mechanism: mechanism, cred: cred}
}

func (a *ScramAuthenticator) hashGenerator() scram.HashGeneratorFcn {
	if a.mechanism == MechanismScramSHA1 {
		return scram.SHA1
	}
	return scram.SHA256
}

// Auth runs the full SCRAM conversation over conn.
func (a *ScramAuthenticator) Auth(ctx context.Context, conn driver.Connection) error {
	password := a.cred.Password
	if prepared, err := stringprep.SASLprep.Prepare(password); err == nil {
		// RFC 5802 requires SASLprep-normalizing the password; a password
		// with characters SASLprep rejects is sent as-is, matching the
		// real driver's fallback for the same edge case.
		password = prepared
	}

	client, err := a.hashGenerator().NewClient(a.cred.Username, password, "")
	if err != nil {
		return fmt.Errorf("auth: constructing %s client: %w", a.mechanism, err)
	}
	sc := &scramSaslClient{
		conv:      client.NewConversation(),
		mechanism: a.mechanism,
	}
	return conductSaslConversation(ctx, conn, a.cred.source(), sc)
}

// scramSaslClient adapts *scram.ClientConversation to this package's
// saslClient interface.
type scramSaslClient struct {
	conv      *scram.ClientConversation
	mechanism string
}

func (s *scramSaslClient) Start() (string, []byte, error) {
	resp, err := s.conv.Step("")
	if err != nil {
		return s.mechanism, nil, err
	}
	return s.mechanism, []byte(resp), nil
}

func (s *scramSaslClient) Next(challenge []byte) ([]byte, error) {
	resp, err := s.conv.Step(string(challenge))
	if err != nil {
		return nil, err
	}
	return []byte(resp), nil
}

func (s *scramSaslClient) Completed() bool {
	return s.conv.Done()
}

// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"
	"encoding/pem"
	"fmt"

	"github.com/youmark/pkcs8"

	"github.com/coremongo/dispatcher/description"
	"github.com/coremongo/dispatcher/driver"
	"github.com/coremongo/dispatcher/x/bsonx/bsoncore"
)

// X509Authenticator authenticates via the MONGODB-X509 mechanism: the
// client's identity is the certificate subject it presented during the TLS
// handshake, so the authenticate command itself carries no secret. Since
// this module's Connection boundary doesn't own the TLS handshake (spec
// §1's Non-goals put transport security out of scope), Auth only sends the
// authenticate command with the configured username; it neither loads nor
// checks a client certificate or key. ValidateClientKey is a separate
// helper that Auth does not call.
type X509Authenticator struct {
	username string
}

// NewX509Authenticator returns an authenticator that will send the
// MONGODB-X509 authenticate command as cred.Username (the certificate's
// subject DN). It performs no validation and never returns an error.
func NewX509Authenticator(cred *Credential) (*X509Authenticator, error) {
	return &X509Authenticator{username: cred.Username}, nil
}

// ValidateClientKey decodes a PEM block and parses it as a PKCS#8 private
// key (optionally encrypted with password). Nothing in this module calls it
// during connection setup or authentication.
func ValidateClientKey(keyPEM []byte, password []byte) error {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return fmt.Errorf("auth: no PEM block found in client key")
	}
	var err error
	if len(password) > 0 {
		_, err = pkcs8.ParsePKCS8PrivateKey(block.Bytes, password)
	} else {
		_, err = pkcs8.ParsePKCS8PrivateKey(block.Bytes)
	}
	if err != nil {
		return fmt.Errorf("auth: parsing PKCS#8 client key: %w", err)
	}
	return nil
}

// Auth sends the MONGODB-X509 authenticate command. There is no challenge
// conversation: the server already authenticated the certificate during
// the TLS handshake and this command only asserts which user it maps to.
func (a *X509Authenticator) Auth(ctx context.Context, conn driver.Connection) error {
	var raw bsoncore.Document
	op := driver.Operation{
		Database:   defaultAuthDB,
		Deployment: driver.SingleConnectionDeployment{C: conn},
		CommandFn: func(dst []byte, _ description.SelectedServer) ([]byte, error) {
			dst = bsoncore.AppendInt32Element(dst, "authenticate", 1)
			dst = bsoncore.AppendStringElement(dst, "mechanism", MechanismMongoDBX509)
			if a.username != "" {
				dst = bsoncore.AppendStringElement(dst, "user", a.username)
			}
			return dst, nil
		},
		ProcessResponseFn: func(info driver.ResponseInfo) error {
			raw = info.ServerResponse
			return nil
		},
	}
	if err := op.Execute(ctx); err != nil {
		return fmt.Errorf("auth: MONGODB-X509 authenticate: %w", err)
	}
	_ = raw
	return nil
}

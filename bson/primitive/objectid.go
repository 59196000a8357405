// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package primitive holds the handful of BSON scalar types the dispatcher
// core needs (ObjectID for topology/session identifiers). Full BSON
// marshaling lives in the codec, which this module treats as an external
// collaborator.
package primitive

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

// ObjectID is a 12-byte BSON object id, matching the MongoDB ObjectID format:
// a 4-byte timestamp, a 5-byte random process identifier, and a 3-byte
// counter, big-endian.
type ObjectID [12]byte

// NilObjectID is the zero-value ObjectID.
var NilObjectID ObjectID

var processUnique = func() [5]byte {
	var b [5]byte
	_, _ = rand.Read(b[:])
	return b
}()

var objectIDCounter = randomUint32()

func randomUint32() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// NewObjectID generates a new ObjectID seeded with the current time.
func NewObjectID() ObjectID {
	var id ObjectID
	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	copy(id[4:9], processUnique[:])
	c := atomic.AddUint32(&objectIDCounter, 1)
	id[9] = byte(c >> 16)
	id[10] = byte(c >> 8)
	id[11] = byte(c)
	return id
}

// Hex returns the hex encoding of the ObjectID.
func (id ObjectID) Hex() string {
	return hex.EncodeToString(id[:])
}

// String implements fmt.Stringer.
func (id ObjectID) String() string {
	return fmt.Sprintf("ObjectID(%q)", id.Hex())
}

// IsZero reports whether id is the zero ObjectID.
func (id ObjectID) IsZero() bool {
	return id == NilObjectID
}

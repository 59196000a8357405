// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"encoding/binary"
	"fmt"

	"github.com/coremongo/dispatcher/x/bsonx/bsoncore"
)

// opCodeMsg is the OP_MSG opcode (2013), the only command message type this
// module builds (connection.go wraps it in OP_COMPRESSED when a compressor
// has been negotiated); OP_QUERY/OP_REPLY legacy framing is not
// implemented since spec §2 puts wire-protocol framing out of scope beyond
// this minimal Link boundary.
const opCodeMsg int32 = 2013

// msgFlagChecksumPresent and msgFlagMoreToCome are OP_MSG flag bits; the
// dispatcher sets neither (buildOpMsg always writes flagBits 0).
const (
	msgFlagChecksumPresent uint32 = 1 << 0
	msgFlagMoreToCome      uint32 = 1 << 1
)

const sectionKindBody byte = 0

// appendWireMessageHeader prepends a standard 16-byte MsgHeader. dst must
// already hold a full OP_MSG payload (flags + sections); length and opcode
// are filled in from len(dst)+16 and opCodeMsg respectively.
func appendWireMessageHeader(dst []byte, requestID, responseTo int32) []byte {
	header := make([]byte, 16)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(dst)+16))
	binary.LittleEndian.PutUint32(header[4:8], uint32(requestID))
	binary.LittleEndian.PutUint32(header[8:12], uint32(responseTo))
	binary.LittleEndian.PutUint32(header[12:16], uint32(opCodeMsg))
	return append(header, dst...)
}

// buildOpMsg wraps a single BSON command document into a one-section OP_MSG
// body (flagBits + kind-0 section), grounded on the wire message building
// observed in the teacher's core/connection and x/mongo/driver/operation
// packages' writeWireMessage helpers.
func buildOpMsg(requestID int32, cmd bsoncore.Document) []byte {
	var body []byte
	body = appendUint32(body, 0) // flagBits, no checksum/moreToCome
	body = append(body, sectionKindBody)
	body = append(body, cmd...)
	return appendWireMessageHeader(body, requestID, 0)
}

func appendUint32(dst []byte, v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return append(dst, buf[:]...)
}

// readOpMsgBody takes an OP_MSG payload whose 16-byte header the caller has
// already consumed, skips its flagBits, and returns the first kind-0
// section's document, the only section kind this module produces or expects
// back.
func readOpMsgBody(wm []byte) (bsoncore.Document, error) {
	if len(wm) < 4 {
		return nil, fmt.Errorf("driver: OP_MSG body too short: %d bytes", len(wm))
	}
	rest := wm[4:] // skip flagBits
	for len(rest) > 0 {
		kind := rest[0]
		rest = rest[1:]
		switch kind {
		case sectionKindBody:
			length, _, ok := bsoncore.ReadLength(rest)
			if !ok || length < 4 || int(length) > len(rest) {
				return nil, fmt.Errorf("driver: malformed OP_MSG body section")
			}
			return bsoncore.Document(rest[:length]), nil
		default:
			// Unknown/unsupported section kind (e.g. kind 1 document
			// sequences, used for batched writes); this module only
			// ever sends/expects a single kind-0 section.
			return nil, fmt.Errorf("driver: unsupported OP_MSG section kind %d", kind)
		}
	}
	return nil, fmt.Errorf("driver: OP_MSG body had no sections")
}

// readWireMessageHeader parses the 16-byte MsgHeader prefix of a raw wire
// message and returns the remaining payload.
func readWireMessageHeader(wm []byte) (opCode int32, payload []byte, err error) {
	if len(wm) < 16 {
		return 0, nil, fmt.Errorf("driver: wire message too short: %d bytes", len(wm))
	}
	opCode = int32(binary.LittleEndian.Uint32(wm[12:16]))
	return opCode, wm[16:], nil
}

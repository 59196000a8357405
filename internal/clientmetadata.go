// Copyright (C) MongoDB, Inc. 2021-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package internal

import (
	"runtime"

	"github.com/coremongo/dispatcher/x/bsonx/bsoncore"
)

// DriverName identifies this module in the client.driver.name field of the
// handshake's client metadata document, the way the teacher's driver
// package names itself there.
const DriverName = "coremongo-dispatcher"

// DriverVersion is the version string reported in client metadata.
const DriverVersion = "0.1.0"

// LegacyHello is the command name used against servers that predate the
// hello/isWritablePrimary rename in MongoDB 5.0.
const LegacyHello = "ismaster"

// ClientDriverDoc builds the "driver" sub-document of the handshake's
// client metadata: {name, version}.
func ClientDriverDoc() bsoncore.Document {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendStringElement(dst, "name", DriverName)
	dst = bsoncore.AppendStringElement(dst, "version", DriverVersion)
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}

// ClientOSDoc builds the "os" sub-document of the handshake's client
// metadata: {type, architecture}.
func ClientOSDoc() bsoncore.Document {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendStringElement(dst, "type", runtime.GOOS)
	dst = bsoncore.AppendStringElement(dst, "architecture", runtime.GOARCH)
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}

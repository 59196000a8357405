// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package bson holds the narrow surface of the BSON codec that the
// dispatcher core depends on: a raw document type and an ordered-map
// literal for building command bodies. Full marshaling/unmarshaling is the
// codec's job and lives outside this module's scope.
package bson

import "github.com/coremongo/dispatcher/x/bsonx/bsoncore"

// Raw is a raw, undecoded BSON document.
type Raw []byte

// Lookup finds a top-level element by key.
func (r Raw) Lookup(key string) bsoncore.Value {
	return bsoncore.Document(r).Lookup(key)
}

// LookupErr finds a top-level element by key, returning an error if absent.
func (r Raw) LookupErr(key string) (bsoncore.Value, error) {
	return bsoncore.Document(r).LookupErr(key)
}

// String renders the document for logging.
func (r Raw) String() string {
	return bsoncore.Document(r).String()
}

// E represents a single key/value pair in an ordered BSON document literal.
type E struct {
	Key   string
	Value interface{}
}

// D is an ordered BSON document literal, preserving key order.
type D []E

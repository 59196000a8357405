// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import "github.com/coremongo/dispatcher/x/bsonx/bsoncore"

// ServerAPIOptions configures the stable API version appended to every
// outgoing command (apiVersion/apiStrict/apiDeprecationErrors), mirroring
// the teacher's ServerAPIOptions builder.
type ServerAPIOptions struct {
	ServerAPIVersion  string
	Strict            *bool
	DeprecationErrors *bool
}

// NewServerAPIOptions constructs a ServerAPIOptions pinned to version.
func NewServerAPIOptions(version string) *ServerAPIOptions {
	return &ServerAPIOptions{ServerAPIVersion: version}
}

// SetStrict sets the apiStrict flag.
func (o *ServerAPIOptions) SetStrict(strict bool) *ServerAPIOptions {
	o.Strict = &strict
	return o
}

// SetDeprecationErrors sets the apiDeprecationErrors flag.
func (o *ServerAPIOptions) SetDeprecationErrors(report bool) *ServerAPIOptions {
	o.DeprecationErrors = &report
	return o
}

// appendServerAPIOptions appends apiVersion/apiStrict/apiDeprecationErrors
// to dst if opts is non-nil.
func appendServerAPIOptions(dst []byte, opts *ServerAPIOptions) []byte {
	if opts == nil {
		return dst
	}
	dst = bsoncore.AppendStringElement(dst, "apiVersion", opts.ServerAPIVersion)
	if opts.Strict != nil {
		dst = bsoncore.AppendBooleanElement(dst, "apiStrict", *opts.Strict)
	}
	if opts.DeprecationErrors != nil {
		dst = bsoncore.AppendBooleanElement(dst, "apiDeprecationErrors", *opts.DeprecationErrors)
	}
	return dst
}

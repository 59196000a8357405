// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package address provides the canonical host:port identifier used to key
// servers within a topology.
package address

import "strings"

// Address is a network address for a MongoDB server, normally in the
// "host:port" form. The zero value is not a valid address.
type Address string

// Network is the type of network this address is for, "tcp" for everything
// other than a unix domain socket path.
func (a Address) Network() string {
	if strings.HasSuffix(string(a), ".sock") {
		return "unix"
	}
	return "tcp"
}

// String returns the string representation of this Address.
func (a Address) String() string {
	s := string(a)
	if idx := strings.IndexRune(s, '@'); idx != -1 {
		s = s[idx+1:]
	}
	return s
}

// Canonicalize lowercases the host portion and fills in the default port
// when one is absent, so two differently-cased spellings of the same host
// key to the same map entry.
func (a Address) Canonicalize() Address {
	s := strings.ToLower(string(a))
	if s == "" {
		return Address(s)
	}
	if a.Network() == "unix" {
		return Address(s)
	}
	if !strings.Contains(s, ":") {
		s += ":27017"
	}
	return Address(s)
}

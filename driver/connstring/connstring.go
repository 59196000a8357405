// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package connstring parses the mongodb:// connection string into a
// validated ConnString record (spec §1's "URI/connection-string parsing
// (produces a validated configuration record)" external collaborator, and
// spec §6's option table). DNS SRV resolution and TLS are explicitly out of
// scope (spec §1), so "mongodb+srv://" is rejected rather than resolved.
package connstring

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/coremongo/dispatcher/readpref"
)

// ConnString is the validated configuration record the core's Connect entry
// point consumes; everything past "what host(s), what database, what
// options" is the core's job, not this package's.
type ConnString struct {
	Original string

	Hosts    []string
	Database string

	Username string
	Password string
	HasAuth  bool

	AppName                 string
	AuthMechanism           string
	AuthMechanismProperties map[string]string
	AuthSource              string
	Compressors             []string

	ConnectTimeout         *int64
	SocketTimeout          *int64
	SocketCheckInterval    *int64
	HeartbeatFrequency     *int64
	LocalThreshold         *int64
	ServerSelectionTimeout *int64
	ServerSelectionTryOnce bool
	MaxStalenessSeconds    *int64
	MaxTimeMS              *int64

	Journal     *bool
	RetryWrites *bool
	RetryReads  *bool
	SSL         *bool

	ReadConcernLevel    string
	ReadPreference      string
	ReadPreferenceTags  []readpref.TagSet
	ReplicaSet          string

	W                 string
	WWriteConcernInt  *int
	WTimeoutMS        *int64

	ZlibCompressionLevel *int
}

// ErrSRVNotSupported is returned for "mongodb+srv://" URIs: DNS SRV lookups
// are an out-of-scope external collaborator (spec §1).
var ErrSRVNotSupported = errors.New("connstring: mongodb+srv:// DNS SRV resolution is out of scope for this module")

// Parse validates and decomposes a "mongodb://" connection string into a
// ConnString. Only the options spec §6 names are recognized; unrecognized
// query parameters are ignored rather than rejected, matching the teacher's
// forward-compatible parsing posture.
func Parse(uri string) (ConnString, error) {
	if strings.HasPrefix(uri, "mongodb+srv://") {
		return ConnString{}, ErrSRVNotSupported
	}
	if !strings.HasPrefix(uri, "mongodb://") {
		return ConnString{}, fmt.Errorf("connstring: unsupported scheme in %q", uri)
	}

	u, err := url.Parse(uri)
	if err != nil {
		return ConnString{}, fmt.Errorf("connstring: %w", err)
	}

	cs := ConnString{Original: uri, AuthMechanismProperties: map[string]string{}}

	if u.User != nil {
		cs.HasAuth = true
		cs.Username = u.User.Username()
		cs.Password, _ = u.User.Password()
	}

	hostSection := u.Host
	for _, h := range strings.Split(hostSection, ",") {
		if h = strings.TrimSpace(h); h != "" {
			cs.Hosts = append(cs.Hosts, h)
		}
	}
	if len(cs.Hosts) == 0 {
		return ConnString{}, errors.New("connstring: at least one host is required")
	}

	cs.Database = strings.TrimPrefix(u.Path, "/")

	if err := cs.applyOptions(u.Query()); err != nil {
		return ConnString{}, err
	}
	return cs, nil
}

func (cs *ConnString) applyOptions(q url.Values) error {
	for key, values := range q {
		if len(values) == 0 {
			continue
		}
		val := values[0]
		var err error
		switch strings.ToLower(key) {
		case "appname":
			if len(val) > 128 {
				return fmt.Errorf("connstring: appName exceeds 128 bytes")
			}
			cs.AppName = val
		case "authmechanism":
			cs.AuthMechanism = val
		case "authmechanismproperties":
			for _, pair := range strings.Split(val, ",") {
				kv := strings.SplitN(pair, ":", 2)
				if len(kv) == 2 {
					cs.AuthMechanismProperties[kv[0]] = kv[1]
				}
			}
		case "authsource":
			cs.AuthSource = val
		case "compressors":
			cs.Compressors = strings.Split(val, ",")
		case "connecttimeoutms":
			cs.ConnectTimeout, err = parseInt64Ptr(val)
		case "sockettimeoutms":
			cs.SocketTimeout, err = parseInt64Ptr(val)
		case "socketcheckintervalms":
			cs.SocketCheckInterval, err = parseInt64Ptr(val)
		case "heartbeatfrequencyms":
			cs.HeartbeatFrequency, err = parseInt64Ptr(val)
		case "localthresholdms":
			cs.LocalThreshold, err = parseInt64Ptr(val)
		case "serverselectiontimeoutms":
			cs.ServerSelectionTimeout, err = parseInt64Ptr(val)
		case "serverselectiontryonce":
			cs.ServerSelectionTryOnce, err = strconv.ParseBool(val)
		case "maxstalenessseconds":
			cs.MaxStalenessSeconds, err = parseInt64Ptr(val)
		case "maxtimems":
			cs.MaxTimeMS, err = parseInt64Ptr(val)
		case "journal":
			cs.Journal, err = parseBoolPtr(val)
		case "retrywrites":
			cs.RetryWrites, err = parseBoolPtr(val)
		case "retryreads":
			cs.RetryReads, err = parseBoolPtr(val)
		case "ssl":
			cs.SSL, err = parseBoolPtr(val)
		case "readconcernlevel":
			cs.ReadConcernLevel = val
		case "readpreference":
			cs.ReadPreference = val
		case "readpreferencetags":
			for _, tagDoc := range values {
				ts := readpref.TagSet{}
				for _, pair := range strings.Split(tagDoc, ",") {
					kv := strings.SplitN(pair, ":", 2)
					if len(kv) == 2 {
						ts[kv[0]] = kv[1]
					}
				}
				cs.ReadPreferenceTags = append(cs.ReadPreferenceTags, ts)
			}
		case "replicaset":
			cs.ReplicaSet = val
		case "w":
			cs.W = val
			if n, convErr := strconv.Atoi(val); convErr == nil {
				cs.WWriteConcernInt = &n
			}
		case "wtimeoutms":
			cs.WTimeoutMS, err = parseInt64Ptr(val)
		case "zlibcompressionlevel":
			n, convErr := strconv.Atoi(val)
			if convErr != nil {
				return fmt.Errorf("connstring: invalid zlibCompressionLevel %q", val)
			}
			if n < -1 || n > 9 {
				return fmt.Errorf("connstring: zlibCompressionLevel must be in [-1, 9], got %d", n)
			}
			cs.ZlibCompressionLevel = &n
		}
		if err != nil {
			return fmt.Errorf("connstring: invalid value for %s: %w", key, err)
		}
	}
	return nil
}

func parseInt64Ptr(s string) (*int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func parseBoolPtr(s string) (*bool, error) {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ReadPreferenceMode maps the parsed readPreference URI option to a
// readpref.Mode, defaulting to Primary when unset.
func (cs ConnString) ReadPreferenceMode() (readpref.Mode, error) {
	switch strings.ToLower(cs.ReadPreference) {
	case "", "primary":
		return readpref.PrimaryMode, nil
	case "primarypreferred":
		return readpref.PrimaryPreferredMode, nil
	case "secondary":
		return readpref.SecondaryMode, nil
	case "secondarypreferred":
		return readpref.SecondaryPreferredMode, nil
	case "nearest":
		return readpref.NearestMode, nil
	default:
		return 0, fmt.Errorf("connstring: unrecognized readPreference %q", cs.ReadPreference)
	}
}

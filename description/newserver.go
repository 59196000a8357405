// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"time"

	"github.com/coremongo/dispatcher/address"
	"github.com/coremongo/dispatcher/bson"
	"github.com/coremongo/dispatcher/x/bsonx/bsoncore"
)

// NewServer parses a hello/isMaster reply into a ServerDescription, the way
// a server Monitor turns each heartbeat round trip into the next immutable
// snapshot it hands to the topology coordinator (spec §3, "ServerDescription").
func NewServer(addr address.Address, response bson.Raw) Server {
	desc := Server{
		Addr:           addr,
		LastUpdateTime: time.Now(),
	}

	if b, ok := response.Lookup("helloOk").BooleanOK(); ok {
		desc.HelloOK = b
	}
	if v, ok := response.Lookup("minWireVersion").Int32OK(); ok {
		desc.MinWireVersion = v
	}
	if v, ok := response.Lookup("maxWireVersion").Int32OK(); ok {
		desc.MaxWireVersion = v
	}

	_, serviceIDErr := response.LookupErr("serviceId")
	hasServiceID := serviceIDErr == nil
	isReplicaSet, _ := response.Lookup("isreplicaset").BooleanOK()
	isWritablePrimary, hasIsWritablePrimary := response.Lookup("isWritablePrimary").BooleanOK()
	isMaster, hasIsMaster := response.Lookup("ismaster").BooleanOK()
	secondary, _ := response.Lookup("secondary").BooleanOK()
	arbiterOnly, _ := response.Lookup("arbiterOnly").BooleanOK()
	_, setNameErr := response.LookupErr("setName")
	hasSetName := setNameErr == nil
	msg, _ := response.Lookup("msg").StringValueOK()

	switch {
	case hasServiceID:
		desc.Kind = LoadBalancer
	case msg == "isdbgrid":
		desc.Kind = Mongos
	case !hasSetName && isReplicaSet:
		desc.Kind = RSGhost
	case !hasSetName:
		desc.Kind = Standalone
	case arbiterOnly:
		desc.Kind = RSArbiter
	case (hasIsWritablePrimary && isWritablePrimary) || (hasIsMaster && isMaster):
		desc.Kind = RSPrimary
	case secondary:
		desc.Kind = RSSecondary
	default:
		desc.Kind = RSOther
	}

	if s, ok := response.Lookup("setName").StringValueOK(); ok {
		desc.SetName = s
	}
	if v, ok := response.Lookup("setVersion").Int32OK(); ok {
		desc.SetVersion = uint32(v)
	}
	if oid, ok := response.Lookup("electionId").ObjectIDOK(); ok {
		desc.ElectionID = oid
	}
	if s, ok := response.Lookup("primary").StringValueOK(); ok {
		desc.Primary = address.Address(s).Canonicalize()
	}
	if v, ok := response.Lookup("logicalSessionTimeoutMinutes").Int32OK(); ok {
		m := int64(v)
		desc.SessionTimeoutMinutes = &m
	}
	if v, ok := response.Lookup("lastWrite").DocumentOK(); ok {
		if ts, ok := v.Lookup("lastWriteDate").DateTimeOK(); ok {
			desc.LastWriteDate = time.UnixMilli(ts)
		}
	}

	desc.Hosts = stringArray(response, "hosts")
	desc.Passives = stringArray(response, "passives")
	desc.Arbiters = stringArray(response, "arbiters")

	if tags, ok := response.Lookup("tags").DocumentOK(); ok {
		m := make(map[string]string)
		_ = tags.Elements(func(key string, v bsoncore.Value) bool {
			if s, ok := v.StringValueOK(); ok {
				m[key] = s
			}
			return true
		})
		desc.Tags = m
	}

	if tv, ok := response.Lookup("topologyVersion").DocumentOK(); ok {
		var t TopologyVersion
		if oid, ok := tv.Lookup("processId").ObjectIDOK(); ok {
			t.ProcessID = oid
		}
		if c, ok := tv.Lookup("counter").Int64OK(); ok {
			t.Counter = c
		}
		desc.TopologyVersion = &t
	}

	return desc
}

func stringArray(doc bson.Raw, key string) []string {
	arr, ok := doc.Lookup(key).ArrayOK()
	if !ok {
		return nil
	}
	var out []string
	_ = arr.Elements(func(_ string, v bsoncore.Value) bool {
		if s, ok := v.StringValueOK(); ok {
			out = append(out, s)
		}
		return true
	})
	return out
}

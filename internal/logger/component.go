// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package logger

// Component identifies which subsystem emitted a log message, so its level
// can be tuned independently via MONGODB_LOG_<COMPONENT>.
type Component int

// The logging components this module emits.
const (
	ComponentCommand Component = iota
	ComponentTopology
	ComponentServerSelection
	ComponentConnection
)

const (
	mongoDBLogAllEnvVar              = "MONGODB_LOG_ALL"
	mongoDBLogCommandEnvVar          = "MONGODB_LOG_COMMAND"
	mongoDBLogTopologyEnvVar         = "MONGODB_LOG_TOPOLOGY"
	mongoDBLogServerSelectionEnvVar  = "MONGODB_LOG_SERVER_SELECTION"
	mongoDBLogConnectionEnvVar       = "MONGODB_LOG_CONNECTION"
)

var allComponentEnvVars = []string{
	mongoDBLogCommandEnvVar,
	mongoDBLogTopologyEnvVar,
	mongoDBLogServerSelectionEnvVar,
	mongoDBLogConnectionEnvVar,
}

func componentForEnvVar(envVar string) Component {
	switch envVar {
	case mongoDBLogTopologyEnvVar:
		return ComponentTopology
	case mongoDBLogServerSelectionEnvVar:
		return ComponentServerSelection
	case mongoDBLogConnectionEnvVar:
		return ComponentConnection
	default:
		return ComponentCommand
	}
}

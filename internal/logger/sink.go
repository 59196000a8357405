// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package logger

import (
	"fmt"
	"io"
)

// osSink is the default LogSink, writing plain lines to an *os.File.
type osSink struct {
	w io.Writer
}

func newOSSink(w io.Writer) LogSink {
	return &osSink{w: w}
}

// Info implements LogSink.
func (s *osSink) Info(level int, msg string, keysAndValues ...interface{}) {
	fmt.Fprintf(s.w, "[level=%d] %s %v\n", level, msg, keysAndValues)
}

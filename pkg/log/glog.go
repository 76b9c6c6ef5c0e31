// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog.
type GoogleEmitter struct {
	// Emitter is the underlying emitter.
	Emitter
}

// pid is used for the threadid component of the header. glog pads it to 7
// columns.
var pid = fmt.Sprintf("%7d", os.Getpid())

// levelChar returns the single character glog uses for level.
func levelChar(level Level) byte {
	switch level {
	case Debug:
		return 'D'
	case Info:
		return 'I'
	default:
		return 'W'
	}
}

// glogHeader formats the header of a log line:
//
//	Lmmdd hh:mm:ss.uuuuuu threadid file:line]
//
// where L is the level, mmdd the date, and file:line the source position of
// the logging call.
func glogHeader(depth int, level Level, timestamp time.Time) string {
	var sb strings.Builder
	_, month, day := timestamp.Date()
	hour, minute, second := timestamp.Clock()
	sb.WriteByte(levelChar(level))
	fmt.Fprintf(&sb, "%02d%02d %02d:%02d:%02d.%06d %s ",
		int(month), day, hour, minute, second, timestamp.Nanosecond()/1000, pid)
	if _, file, line, ok := runtime.Caller(depth + 2); ok {
		if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
			file = file[slash+1:]
		}
		fmt.Fprintf(&sb, "%s:%d", file, line)
	} else {
		sb.WriteString("x:0")
	}
	sb.WriteString("] ")
	return sb.String()
}

// Emit emits the message, google-style.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	header := glogHeader(depth, level, timestamp)
	// The header may contain '%' from a file name; escape it so that it is
	// not interpreted by the underlying emitter.
	header = strings.ReplaceAll(header, "%", "%%")
	g.Emitter.Emit(1+depth, level, timestamp, header+format+"\n", args...)
}

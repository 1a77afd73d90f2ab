/*
Mailstack - Composable SMTP/IMAP mail server.

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package log implements the small structured logger shared by every
// component of mailstack.
package log

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Logger is a stateless value that writes formatted, leveled output. It is
// cheap to copy; pass it by value the way every constructor in this repo
// does.
type Logger struct {
	Out   Output
	Name  string
	Debug bool

	// Fields are attached to every message emitted through this Logger.
	Fields map[string]interface{}
}

// Output is anything that can receive a fully formatted log line.
type Output interface {
	Write(ts time.Time, debug bool, msg string) error
}

// Default returns a Logger backed by a zap production logger. The zap
// level is lowered to Debug so that Logger.Debug alone decides whether
// debug messages are written.
func Default(name string) Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	z, _ := cfg.Build()
	return Logger{Out: &zapOutput{z: z}, Name: name}
}

// Named returns a copy of l scoped to a sub-component name, the way every
// constructor in this repo narrows a shared Logger before handing it to a
// collaborator.
func (l Logger) Named(name string) Logger {
	l.Name = name
	return l
}

func (l Logger) formatMsg(msg string, fields map[string]interface{}) string {
	var b strings.Builder
	if l.Name != "" {
		b.WriteString(l.Name)
		b.WriteString(": ")
	}
	b.WriteString(msg)
	for k, v := range fields {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	for k, v := range l.Fields {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	return b.String()
}

func (l Logger) log(debug bool, msg string) {
	if l.Out == nil {
		return
	}
	_ = l.Out.Write(time.Now(), debug, msg)
}

// Debugf logs a formatted message only when l.Debug is set.
func (l Logger) Debugf(format string, val ...interface{}) {
	if !l.Debug {
		return
	}
	l.log(true, l.formatMsg(fmt.Sprintf(format, val...), nil))
}

// Debugln logs a message only when l.Debug is set.
func (l Logger) Debugln(val ...interface{}) {
	if !l.Debug {
		return
	}
	l.log(true, l.formatMsg(strings.TrimRight(fmt.Sprintln(val...), "\n"), nil))
}

// Printf logs a formatted informational message unconditionally.
func (l Logger) Printf(format string, val ...interface{}) {
	l.log(false, l.formatMsg(fmt.Sprintf(format, val...), nil))
}

// Println logs an informational message unconditionally.
func (l Logger) Println(val ...interface{}) {
	l.log(false, l.formatMsg(strings.TrimRight(fmt.Sprintln(val...), "\n"), nil))
}

// Msg logs msg with the given key/value pairs attached as fields.
func (l Logger) Msg(msg string, fields ...interface{}) {
	m := make(map[string]interface{}, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		if k, ok := fields[i].(string); ok {
			m[k] = fields[i+1]
		}
	}
	l.log(false, l.formatMsg(msg, m))
}

// Error logs msg with err attached as an "error" field, at the same
// non-debug level as Printf. A nil err is a no-op.
func (l Logger) Error(msg string, err error, fields ...interface{}) {
	if err == nil {
		return
	}
	m := make(map[string]interface{}, len(fields)/2+1)
	for i := 0; i+1 < len(fields); i += 2 {
		if k, ok := fields[i].(string); ok {
			m[k] = fields[i+1]
		}
	}
	m["error"] = err.Error()
	l.log(false, l.formatMsg(msg, m))
}

type zapOutput struct {
	z *zap.Logger
}

func (o *zapOutput) Write(ts time.Time, debug bool, msg string) error {
	if o.z == nil {
		return nil
	}
	if debug {
		o.z.Debug(msg, zap.Time("ts", ts))
	} else {
		o.z.Info(msg, zap.Time("ts", ts))
	}
	return nil
}

// NopOutput discards all messages.
type NopOutput struct{}

func (NopOutput) Write(time.Time, bool, string) error { return nil }

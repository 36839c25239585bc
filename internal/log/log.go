// Package log provides simple level logging for worker processes. Log
// output is implemented by an outputter, which by default writes to
// Go's standard logging package; alternate outputters (e.g. one that
// tags lines with host rank / worker id) can be installed with
// SetOutputter so that every package in this module emits through the
// same sink.
package log

import (
	"fmt"
	"os"
)

// An Outputter provides a destination for leveled log output.
type Outputter interface {
	// Level returns the level at which the outputter is accepting
	// messages.
	Level() Level

	// Output writes the provided message to the outputter at the
	// provided calldepth and level. The message is dropped by the
	// outputter if it is not logging at the desired level.
	Output(calldepth int, level Level, s string) error
}

var out Outputter = gologOutputter{}

// SetOutputter installs a new outputter, returning the old one.
// SetOutputter should not be called concurrently with log output, so
// it is only suitable at process start.
func SetOutputter(newOut Outputter) Outputter {
	old := out
	out = newOut
	return old
}

// GetOutputter returns the current outputter.
func GetOutputter() Outputter { return out }

// At returns whether the logger is currently logging at level.
func At(level Level) bool { return level <= out.Level() }

// Output outputs a log message to the current outputter at the
// provided level and call depth.
func Output(calldepth int, level Level, s string) error {
	return out.Output(calldepth+1, level, s)
}

// A Level is a log verbosity level. Lower levels have higher priority:
// if the outputter logs at level L, every message with level M <= L
// is emitted.
type Level int

const (
	// Off never outputs messages.
	Off = Level(-3)
	// Error outputs error messages: resource exhaustion, I/O failure,
	// transport failure, and other conditions that precede a fatal
	// abort.
	Error = Level(-2)
	// Info outputs informational messages: stage execution, stream
	// open/close, spill events.
	Info = Level(0)
	// Debug outputs messages intended for development, e.g. per-block
	// pin/unpin/evict traces.
	Debug = Level(1)
)

// String returns the string representation of the level l.
func (l Level) String() string {
	switch l {
	case Off:
		return "off"
	case Error:
		return "error"
	case Info:
		return "info"
	case Debug:
		return "debug"
	default:
		if l < 0 {
			panic("invalid log level")
		}
		return fmt.Sprintf("debug%d", l)
	}
}

// Print formats a message in the manner of fmt.Sprint and outputs it
// at level l.
func (l Level) Print(v ...interface{}) {
	if At(l) {
		out.Output(2, l, fmt.Sprint(v...))
	}
}

// Println formats a message in the manner of fmt.Sprintln and outputs
// it at level l.
func (l Level) Println(v ...interface{}) {
	if At(l) {
		out.Output(2, l, fmt.Sprintln(v...))
	}
}

// Printf formats a message in the manner of fmt.Sprintf and outputs it
// at level l.
func (l Level) Printf(format string, v ...interface{}) {
	if At(l) {
		out.Output(2, l, fmt.Sprintf(format, v...))
	}
}

// Print outputs a message at the Info level.
func Print(v ...interface{}) {
	if At(Info) {
		out.Output(2, Info, fmt.Sprint(v...))
	}
}

// Printf outputs a formatted message at the Info level.
func Printf(format string, v ...interface{}) {
	if At(Info) {
		out.Output(2, Info, fmt.Sprintf(format, v...))
	}
}

// Fatal outputs a message at the Error level and then calls os.Exit(1).
// Used for the core's fail-fast abort policy (§7): resource exhaustion,
// I/O failure, transport failure, protocol violations, and misuse all
// terminate the process through this path.
func Fatal(v ...interface{}) {
	out.Output(2, Error, fmt.Sprint(v...))
	os.Exit(1)
}

// Fatalf is Fatal with fmt.Sprintf formatting.
func Fatalf(format string, v ...interface{}) {
	out.Output(2, Error, fmt.Sprintf(format, v...))
	os.Exit(1)
}

// Panic outputs a message at the Error level and then panics.
func Panic(v ...interface{}) {
	s := fmt.Sprint(v...)
	out.Output(2, Error, s)
	panic(s)
}

// Panicf is Panic with fmt.Sprintf formatting.
func Panicf(format string, v ...interface{}) {
	s := fmt.Sprintf(format, v...)
	out.Output(2, Error, s)
	panic(s)
}

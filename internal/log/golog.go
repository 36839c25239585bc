package log

import (
	golog "log"
)

var golevel = Info

// SetLevel sets the log level for the default outputter. It should be
// called once at process start, before any worker threads begin.
func SetLevel(level Level) {
	golevel = level
}

type gologOutputter struct{}

func (gologOutputter) Level() Level { return golevel }

func (gologOutputter) Output(calldepth int, level Level, s string) error {
	if golevel < level {
		return nil
	}
	return golog.Output(calldepth+1, s)
}

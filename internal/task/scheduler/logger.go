package scheduler

import (
	"fmt"

	logx "fleetd/pkg/logx"
)

// cronLogger adapts logx to cron.Logger. Info is demoted to debug: cron logs
// every wake-up.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, fields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(fields(kv), logx.Err(err))...)
}

func fields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}

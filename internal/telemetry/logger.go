package telemetry

import (
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// NewLogger builds a leveled, timestamped go-kit logger writing logfmt to
// stderr, filtered to levelName ("debug", "info", "warn", "error").
// Grounded on the level.NewFilter + log.With(... log.DefaultTimestampUTC)
// pattern used across the go-kit ecosystem and mirrored in
// _examples/dreamsxin-wal's own structured logging setup.
func NewLogger(levelName string) kitlog.Logger {
	base := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	base = kitlog.With(base, "ts", kitlog.DefaultTimestampUTC, "caller", kitlog.DefaultCaller)

	var opt level.Option
	switch levelName {
	case "debug":
		opt = level.AllowDebug()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		opt = level.AllowInfo()
	}
	return level.NewFilter(base, opt)
}

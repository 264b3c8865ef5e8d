package debuglog

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel = "IRIS_LOG_LEVEL"
	EnvDebug    = "IRIS_DEBUG"
)

var (
	baseMu sync.RWMutex
	base   = zerolog.New(os.Stderr).With().Timestamp().Logger()

	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

// Configure installs the process logger. level is overridden by IRIS_LOG_LEVEL,
// and IRIS_DEBUG=1 forces debug. pretty selects the console writer.
func Configure(level string, pretty bool) {
	ConfigureOutput(os.Stderr, level, pretty)
}

func ConfigureOutput(w io.Writer, level string, pretty bool) {
	if env := os.Getenv(EnvLogLevel); env != "" {
		level = env
	}
	lvl, ok := ParseLevel(level)
	if !ok {
		lvl = zerolog.InfoLevel
	}
	if os.Getenv(EnvDebug) == "1" && lvl > zerolog.DebugLevel {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)

	out := w
	if pretty {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	baseMu.Lock()
	base = zerolog.New(out).With().Timestamp().Str("app", "iris").Logger()
	baseMu.Unlock()
}

func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "off", "disabled", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

// New returns a logger tagged with component.
func New(component string) zerolog.Logger {
	baseMu.RLock()
	l := base
	baseMu.RUnlock()
	return l.With().Str("component", component).Logger()
}

// RateLimited reports whether a message keyed by key may be logged now. At
// most one message per key passes per interval.
func RateLimited(key string, interval time.Duration) bool {
	if key == "" {
		return false
	}
	now := time.Now()
	rlMu.Lock()
	defer rlMu.Unlock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		return false
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	return true
}

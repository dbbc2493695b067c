package chronicle

import "time"

// Clock abstracts wall-clock time so tests can inject deterministic
// heartbeat/TTL behavior instead of depending on real elapsed time.
type Clock interface {
	NowNanos() int64
}

type systemClock struct{}

func (systemClock) NowNanos() int64 { return time.Now().UnixNano() }

// SystemClock is the default Clock, backed by time.Now().
var SystemClock Clock = systemClock{}

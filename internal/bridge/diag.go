package bridge

import (
	"sync"
	"time"
)

var lastErr struct {
	sync.Mutex
	err error
	at  time.Time
}

// LastError returns when the most recent session failure happened and what
// it was. err is nil when nothing has failed.
func LastError() (at time.Time, err error) {
	lastErr.Lock()
	defer lastErr.Unlock()
	return lastErr.at, lastErr.err
}

func recordError(err error) {
	lastErr.Lock()
	lastErr.err = err
	lastErr.at = time.Now()
	lastErr.Unlock()
}

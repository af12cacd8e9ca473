package commitlog

import (
	"time"
)

// WaitForAppend blocks until a new append occurs or timeout elapses.
// Returns true if woken by an append, false on timeout. A non-positive
// timeout waits indefinitely.
func (l *Log) WaitForAppend(timeout time.Duration) bool {
	ch := l.AppendSignal()
	if timeout <= 0 {
		<-ch
		return true
	}
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// AppendSignal returns a channel closed by the next successful append.
// Callers that need to select over several wake sources use this directly.
func (l *Log) AppendSignal() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.notifyCh
}

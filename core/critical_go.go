//go:build !tinygo

package core

import "sync"

// On the host the player may be driven by a simulator goroutine while
// another goroutine reads its state.
var criticalMu sync.Mutex

// critical runs fn with the ring indices protected
func critical(fn func()) {
	criticalMu.Lock()
	defer criticalMu.Unlock()
	fn()
}

package entityauth

import "sync/atomic"

var defaultFacade atomic.Pointer[Facade]

// SetDefault installs f as the process-wide facade returned by Default.
// Passing nil removes it.
func SetDefault(f *Facade) { defaultFacade.Store(f) }

// Default returns the facade installed with SetDefault, or nil.
func Default() *Facade { return defaultFacade.Load() }

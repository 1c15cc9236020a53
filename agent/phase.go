package main

import (
	"sync/atomic"

	"github.com/itohio/gardenagent/pkg/phase"
	"github.com/itohio/gardenagent/pkg/supervisor"
)

// phaseSource reports the supervisor phase to the diagnostic handler. It is
// read from the serial reader and metrics goroutines while main publishes the
// supervisor.
type phaseSource struct {
	sup atomic.Pointer[supervisor.Supervisor]
}

// Set publishes the running supervisor.
func (p *phaseSource) Set(sup *supervisor.Supervisor) {
	p.sup.Store(sup)
}

// String returns the current phase, BOOT until a supervisor is set.
func (p *phaseSource) String() string {
	if sup := p.sup.Load(); sup != nil {
		return sup.Phase().String()
	}
	return phase.Boot.String()
}

// Package location produces self-location fixes on demand. The Fixer
// runs at most one fix request at a time and reports results through a
// callback; platform positioning lives behind the Provider interface.
package location

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mak2salazarjr/ploggy/protocol"
)

// Provider obtains one location fix. Implementations may block while
// the platform acquires a position.
type Provider interface {
	CurrentLocation() (protocol.Location, error)
}

// Fixer coordinates fix requests against a Provider.
type Fixer struct {
	provider Provider
	onFix    func(protocol.Location)

	mu     sync.Mutex
	active bool
}

// NewFixer creates a fixer delivering fixes to onFix.
func NewFixer(provider Provider, onFix func(protocol.Location)) *Fixer {
	return &Fixer{provider: provider, onFix: onFix}
}

// Start requests a fix unless one is already being acquired.
func (f *Fixer) Start() {
	f.mu.Lock()
	if f.active || f.provider == nil {
		f.mu.Unlock()
		return
	}
	f.active = true
	f.mu.Unlock()

	go func() {
		fix, err := f.provider.CurrentLocation()
		f.mu.Lock()
		f.active = false
		f.mu.Unlock()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Start",
				"error":    err.Error(),
			}).Warn("Failed to acquire location fix")
			return
		}
		f.onFix(fix)
	}()
}

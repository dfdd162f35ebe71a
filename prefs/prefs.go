// Package prefs reads the engine's preferences from a YAML file and
// watches it for edits. Values are served from memory; the watcher
// reloads the file before it invokes the change callback, so the
// callback observes the new values.
package prefs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Recognized preference keys.
const (
	KeyExchangeFilesWifiOnly         = "exchange-files-wifi-only"
	KeyAutomaticLocationSharing      = "automatic-location-sharing"
	KeyLimitLocationSharingTime      = "limit-location-sharing-time"
	KeyLimitLocationSharingNotBefore = "limit-location-sharing-time-not-before"
	KeyLimitLocationSharingNotAfter  = "limit-location-sharing-time-not-after"
	KeyLimitLocationSharingDay       = "limit-location-sharing-day"
)

// Preferences is a read-only view over the preferences file.
type Preferences struct {
	path string

	mu      sync.Mutex
	values  map[string]interface{}
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Open loads the preferences file at path. A missing file yields empty
// preferences, matching the platform convention that unset booleans are
// absent rather than false.
func Open(path string) (*Preferences, error) {
	p := &Preferences{path: path}
	if err := p.reload(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Preferences) reload() error {
	raw, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		p.mu.Lock()
		p.values = map[string]interface{}{}
		p.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading preferences: %w", err)
	}
	values := map[string]interface{}{}
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return fmt.Errorf("parsing preferences: %w", err)
	}
	p.mu.Lock()
	p.values = values
	p.mu.Unlock()
	return nil
}

// Watch starts a file watcher that reloads the preferences and invokes
// onChange after every write to the file. Stop with Close.
func (p *Preferences) Watch(onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating preferences watcher: %w", err)
	}
	// Watch the directory: editors replace the file on save, which
	// drops a watch registered on the file itself.
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watching preferences directory: %w", err)
	}

	p.mu.Lock()
	p.watcher = watcher
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(p.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := p.reload(); err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "Watch",
						"path":     p.path,
						"error":    err.Error(),
					}).Warn("Failed to reload preferences")
					continue
				}
				onChange()
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

// Close stops the watcher, if one was started.
func (p *Preferences) Close() {
	p.mu.Lock()
	watcher := p.watcher
	done := p.done
	p.watcher = nil
	p.done = nil
	p.mu.Unlock()
	if watcher != nil {
		watcher.Close()
		<-done
	}
}

func (p *Preferences) value(key string) (interface{}, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.values[key]
	return v, ok
}

// Bool returns the boolean preference for key, false when unset.
func (p *Preferences) Bool(key string) bool {
	v, ok := p.value(key)
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// String returns the string preference for key, empty when unset.
func (p *Preferences) String(key string) string {
	v, ok := p.value(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// StringSet returns the list preference for key as a set.
func (p *Preferences) StringSet(key string) map[string]bool {
	set := map[string]bool{}
	v, ok := p.value(key)
	if !ok {
		return set
	}
	items, ok := v.([]interface{})
	if !ok {
		return set
	}
	for _, item := range items {
		if s, ok := item.(string); ok {
			set[s] = true
		}
	}
	return set
}

// MinuteOfDay parses an "HH:MM" clock time into minutes past midnight.
func MinuteOfDay(clock string) (int, error) {
	parts := strings.SplitN(clock, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock time %q", clock)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q", clock)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q", clock)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid clock time %q", clock)
	}
	return hour*60 + minute, nil
}

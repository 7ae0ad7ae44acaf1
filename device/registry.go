package device

import (
	"fmt"
	"sort"
	"sync"

	"github.com/c360/acqstreams/errors"
)

// Registry holds the available drivers. It is built once at startup;
// there is no shared mutable global table.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

// NewRegistry creates an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register adds a driver. Duplicate names are a caller error.
func (r *Registry) Register(d Driver) error {
	if d == nil || d.Name() == "" {
		return errors.WrapArgument(errors.New("nil or unnamed driver"),
			"Registry", "Register", "driver validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.drivers[d.Name()]; exists {
		return errors.WrapArgument(
			fmt.Errorf("driver %q already registered", d.Name()),
			"Registry", "Register", "duplicate driver check")
	}
	r.drivers[d.Name()] = d
	return nil
}

// Get returns the named driver.
func (r *Registry) Get(name string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.drivers[name]
	if !ok {
		return nil, errors.WrapArgument(
			fmt.Errorf("unknown driver %q", name),
			"Registry", "Get", "driver lookup")
	}
	return d, nil
}

// Names returns the registered driver names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ScanAll runs every driver's scan with the given options and collects
// the instances. A failing driver is skipped; its error is returned
// alongside the devices found by the others.
func (r *Registry) ScanAll(opts map[ConfigKey]any) ([]*Instance, error) {
	r.mu.RLock()
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	var (
		devices []*Instance
		scanErr error
	)
	for _, name := range names {
		r.mu.RLock()
		d := r.drivers[name]
		r.mu.RUnlock()

		found, err := d.Scan(opts)
		if err != nil {
			if scanErr == nil {
				scanErr = errors.Wrap(err, "Registry", "ScanAll", fmt.Sprintf("driver %s scan", name))
			}
			continue
		}
		devices = append(devices, found...)
	}
	return devices, scanErr
}

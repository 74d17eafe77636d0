package driver

import (
	"fmt"

	"golang.org/x/mod/semver"

	"obos/hashtable"
)

// SupportedMin/SupportedMax bound the driver ABI versions this kernel
// build accepts, the Go-idiom equivalent of validating a driver
// header's magic/flags before trusting its function table.
const (
	SupportedMin = "v1.0.0"
	SupportedMax = "v1.999.0"
)

// Registry tracks loaded drivers by name, grounded on the
// driver-loading plumbing implied by driver_interface/header.h (every
// driver is looked up by name during mount/device discovery).
type Registry struct {
	table *hashtable.Table
}

// NewRegistry creates an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{table: hashtable.New(64)}
}

// Entry is what the registry stores per driver.
type Entry struct {
	Name   string
	Header Header
	Device Device
}

// Register validates hdr and adds dev under name. It rejects drivers
// with the wrong magic or an ABI version outside
// [SupportedMin, SupportedMax], mirroring the header validation a
// real driver loader performs before calling into untrusted code.
func (r *Registry) Register(name string, hdr Header, dev Device) error {
	if hdr.Magic != Magic {
		return fmt.Errorf("driver %q: bad header magic %#x", name, hdr.Magic)
	}
	v := hdr.Version
	if v == "" {
		v = "v0.0.0"
	}
	if !semver.IsValid(v) {
		return fmt.Errorf("driver %q: invalid version %q", name, hdr.Version)
	}
	if semver.Compare(v, SupportedMin) < 0 || semver.Compare(v, SupportedMax) > 0 {
		return fmt.Errorf("driver %q: version %s outside supported range [%s, %s]", name, v, SupportedMin, SupportedMax)
	}
	if _, existed := r.table.Get(name); existed {
		return fmt.Errorf("driver %q: already registered", name)
	}
	r.table.Set(name, &Entry{Name: name, Header: hdr, Device: dev})
	return nil
}

// Lookup finds a registered driver by name.
func (r *Registry) Lookup(name string) (*Entry, bool) {
	v, ok := r.table.Get(name)
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

// Unregister removes a driver, calling the original's
// driver_cleanup_callback equivalent is the caller's responsibility
// before invoking this.
func (r *Registry) Unregister(name string) {
	r.table.Del(name)
}

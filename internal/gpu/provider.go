// Package gpu provides the device and process records shared by every GPU
// vendor backend, and the registry that discovers devices through them.
// It implements the Provider Pattern: each vendor fills the common record on
// its own, nothing tries to unify vendor wire formats.
package gpu

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/shepherd-project/gpuwatch/internal/usage"
)

// Backend is a vendor implementation.
type Backend interface {
	// Name returns the backend's name (e.g., "xe", "nvidia")
	Name() string

	// Vendor returns the GPU vendor name (e.g., "Intel", "NVIDIA")
	Vendor() string

	// Available is a lightweight check that the backend can run here.
	Available() bool

	// Discover enumerates the backend's devices and opens their handles.
	Discover(ctx context.Context) ([]*Device, error)

	// RefreshDynamicInfo fills dev.Dynamic. The caller resets it first.
	// An error means "no dynamic info this cycle" and is never fatal.
	RefreshDynamicInfo(ctx context.Context, dev *Device) error

	// ParseProcessRecord extracts a Record from one fdinfo record.
	// It returns ErrNotThisDevice for records of other devices and
	// ErrNotParseable when mandatory keys are missing.
	ParseProcessRecord(dev *Device, r io.Reader) (Record, error)

	// Close releases the device's handles.
	Close(dev *Device) error
}

// Logger interface for GPU package logging.
// This avoids direct dependency on internal/logger.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// noopLogger is a no-op implementation of Logger.
type noopLogger struct{}

func (n noopLogger) Debugf(format string, args ...interface{}) {}
func (n noopLogger) Infof(format string, args ...interface{})  {}
func (n noopLogger) Warnf(format string, args ...interface{})  {}
func (n noopLogger) Errorf(format string, args ...interface{}) {}

// NoopLogger returns a Logger that discards everything.
func NoopLogger() Logger { return noopLogger{} }

// Config contains configuration for the registry.
type Config struct {
	// Timeout for discovery
	DiscoveryTimeout time.Duration
	// Logger for logging (optional)
	Logger Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DiscoveryTimeout: 10 * time.Second,
	}
}

// Registry holds the vendor backends and discovers devices through them.
type Registry struct {
	backends []Backend
	timeout  time.Duration
	logger   Logger
}

// NewRegistry creates a registry over the given backends.
func NewRegistry(cfg *Config, backends ...Backend) *Registry {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	return &Registry{
		backends: backends,
		timeout:  cfg.DiscoveryTimeout,
		logger:   logger,
	}
}

// DiscoverAll enumerates devices of every available backend, in backend
// order. Devices get sequential indexes, a fresh delta cache and are marked
// monitored. A failing backend is skipped; ErrDiscovery is returned only when
// every available backend failed.
func (r *Registry) DiscoverAll(ctx context.Context) ([]*Device, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var (
		devices   []*Device
		attempted int
		lastErr   error
	)

	for _, backend := range r.backends {
		if !backend.Available() {
			r.logger.Debugf("GPU backend %s is not available", backend.Name())
			continue
		}
		attempted++

		found, err := backend.Discover(ctx)
		if err != nil {
			r.logger.Errorf("Failed to discover %s GPUs: %v", backend.Name(), err)
			lastErr = err
			continue
		}

		for _, dev := range found {
			dev.Index = len(devices)
			dev.Backend = backend
			dev.Monitored = true
			if dev.Vendor == "" {
				dev.Vendor = backend.Vendor()
			}
			if dev.Cache == nil {
				dev.Cache = usage.NewCache()
			}
			devices = append(devices, dev)
		}
		if len(found) > 0 {
			r.logger.Infof("Detected %d %s GPU(s)", len(found), backend.Vendor())
		}
	}

	if attempted > 0 && len(devices) == 0 && lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscovery, lastErr)
	}
	return devices, nil
}

// Available returns the names of the backends usable on this system.
func (r *Registry) Available() []string {
	var names []string
	for _, backend := range r.backends {
		if backend.Available() {
			names = append(names, backend.Name())
		}
	}
	return names
}

// CloseAll releases every device handle. Errors are logged, not returned,
// so one stuck device cannot keep the others open.
func (r *Registry) CloseAll(devices []*Device) {
	for _, dev := range devices {
		if dev.Backend == nil {
			continue
		}
		if err := dev.Backend.Close(dev); err != nil {
			r.logger.Warnf("Failed to close %s: %v", dev.PDev, err)
		}
	}
}

package gpu

import "errors"

var (
	// ErrNotThisDevice indicates that an fdinfo record belongs to another device.
	ErrNotThisDevice = errors.New("gpu: record belongs to another device")

	// ErrNotParseable indicates that an fdinfo record lacks a mandatory key
	// such as the client id.
	ErrNotParseable = errors.New("gpu: record not parseable")

	// ErrUnavailable indicates that a metric source could not be queried this
	// cycle (permission denied, unsupported, I/O error).
	ErrUnavailable = errors.New("gpu: metric unavailable")

	// ErrDiscovery indicates that every available backend failed to enumerate
	// its devices.
	ErrDiscovery = errors.New("gpu: device discovery failed")
)

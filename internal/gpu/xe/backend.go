// Package xe is the Intel Xe kernel driver backend. Device memory comes from
// the DRM_IOCTL_XE_DEVICE_QUERY mem-regions query, the remaining device
// metrics from sysfs, and per-process engine usage from DRM fdinfo cycle
// counters.
package xe

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/host"
	"golang.org/x/sys/unix"

	"github.com/shepherd-project/gpuwatch/internal/gpu"
)

// Config configures the backend. Zero values select the host paths.
type Config struct {
	SysfsRoot string // default /sys/class/drm
	DevRoot   string // default /dev/dri
	Logger    gpu.Logger
	Runner    gpu.CommandRunner
}

// Backend implements gpu.Backend for the xe driver.
type Backend struct {
	sysfsRoot string
	devRoot   string
	logger    gpu.Logger
	run       gpu.CommandRunner
	query     queryFunc
	open      func(path string) (int, error)
	close     func(fd int) error

	warnedUsed bool
}

// deviceState is what an xe device keeps in gpu.Device.State.
type deviceState struct {
	fd    int
	sysfs string
}

// New creates the xe backend.
func New(cfg Config) *Backend {
	b := &Backend{
		sysfsRoot: cfg.SysfsRoot,
		devRoot:   cfg.DevRoot,
		logger:    cfg.Logger,
		run:       cfg.Runner,
		query:     ioctlQuery,
		open:      openCard,
		close:     unix.Close,
	}
	if b.sysfsRoot == "" {
		b.sysfsRoot = "/sys/class/drm"
	}
	if b.devRoot == "" {
		b.devRoot = "/dev/dri"
	}
	if b.logger == nil {
		b.logger = gpu.NoopLogger()
	}
	if b.run == nil {
		b.run = gpu.ExecRunner
	}
	return b
}

func openCard(path string) (int, error) {
	return unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
}

func (b *Backend) Name() string {
	return "xe"
}

func (b *Backend) Vendor() string {
	return "Intel"
}

func (b *Backend) Available() bool {
	cards, err := scanCards(b.sysfsRoot)
	return err == nil && len(cards) > 0
}

func (b *Backend) Discover(ctx context.Context) ([]*gpu.Device, error) {
	cards, err := scanCards(b.sysfsRoot)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", b.sysfsRoot, err)
	}

	if kernel, err := host.KernelVersionWithContext(ctx); err == nil {
		b.logger.Debugf("xe backend on kernel %s", kernel)
	}

	var devices []*gpu.Device
	for _, c := range cards {
		node := filepath.Join(b.devRoot, c.name)
		fd, err := b.open(node)
		if err != nil {
			// sysfs metrics and fdinfo still work without the card handle
			b.logger.Warnf("Cannot open %s: %v; memory will not be reported", node, err)
			fd = -1
		}

		name := deviceName(ctx, b.run, c.pdev)
		if name == "" {
			name = "Intel Graphics"
		}

		devices = append(devices, &gpu.Device{
			PDev:   c.pdev,
			Vendor: "Intel",
			Static: gpu.StaticInfo{
				Name:               name,
				Driver:             driverName,
				IntegratedGraphics: isIntegrated(c.pdev),
				HasMemoryQuery:     fd >= 0,
			},
			State: &deviceState{fd: fd, sysfs: c.sysfs},
		})
		b.logger.Debugf("Detected Intel GPU %s: %s", c.pdev, name)
	}

	return devices, nil
}

func (b *Backend) RefreshDynamicInfo(ctx context.Context, dev *gpu.Device) error {
	state, ok := dev.State.(*deviceState)
	if !ok {
		return fmt.Errorf("%w: %s is not an xe device", gpu.ErrUnavailable, dev.PDev)
	}

	refreshSysfs(state.sysfs, &dev.Dynamic)

	if state.fd < 0 {
		return nil
	}
	if err := refreshMemory(b.query, state.fd, &dev.Dynamic); err != nil {
		if isPermission(err) {
			b.logger.Debugf("Memory query on %s denied: %v", dev.PDev, err)
		}
		return err
	}

	if !dev.Dynamic.UsedMemory.IsSet() && !b.warnedUsed {
		b.warnedUsed = true
		b.logger.Infof("Intel GPU %s reports no used memory; CAP_PERFMON is needed for it", dev.PDev)
	}
	return nil
}

func (b *Backend) ParseProcessRecord(dev *gpu.Device, r io.Reader) (gpu.Record, error) {
	return ParseRecord(dev.PDev, r)
}

func (b *Backend) Close(dev *gpu.Device) error {
	state, ok := dev.State.(*deviceState)
	if !ok || state.fd < 0 {
		return nil
	}
	fd := state.fd
	state.fd = -1
	if err := b.close(fd); err != nil {
		return &os.PathError{Op: "close", Path: dev.PDev, Err: err}
	}
	return nil
}

var _ gpu.Backend = (*Backend)(nil)

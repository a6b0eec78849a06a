// Package monitor drives sampling: it refreshes every device, turns the
// fdinfo sweep into per-process utilization, and paces the whole thing
// against the wall clock in the dashboard loop.
// 这个包负责采样循环
package monitor

import (
	"bytes"
	"context"
	"errors"

	"github.com/shepherd-project/gpuwatch/internal/clock"
	"github.com/shepherd-project/gpuwatch/internal/fdinfo"
	"github.com/shepherd-project/gpuwatch/internal/gpu"
	"github.com/shepherd-project/gpuwatch/internal/types"
	"github.com/shepherd-project/gpuwatch/internal/usage"
)

// RecordSource yields the DRM fdinfo records of all visible processes.
// *fdinfo.Sweeper implements it.
type RecordSource interface {
	Sweep(ctx context.Context) ([]fdinfo.Record, error)
	Lookup(ctx context.Context, pid int32) fdinfo.ProcessInfo
}

// Sampler performs sampling passes over a fixed device list. It is not
// safe for concurrent use.
type Sampler struct {
	devices []*gpu.Device
	source  RecordSource
	clock   clock.Clock
	log     gpu.Logger
	cycle   uint64
}

// SamplerConfig 采样器配置
type SamplerConfig struct {
	Devices []*gpu.Device
	Source  RecordSource // nil: no per-process data
	Clock   clock.Clock  // nil: wall clock
	Logger  gpu.Logger
}

// NewSampler creates a sampler.
func NewSampler(cfg SamplerConfig) *Sampler {
	s := &Sampler{
		devices: cfg.Devices,
		source:  cfg.Source,
		clock:   cfg.Clock,
		log:     cfg.Logger,
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.log == nil {
		s.log = gpu.NoopLogger()
	}
	return s
}

// Devices returns the sampled devices.
func (s *Sampler) Devices() []*gpu.Device {
	return s.devices
}

// Cycle returns the number of completed passes.
func (s *Sampler) Cycle() uint64 {
	return s.cycle
}

// RefreshDynamicInfo resets and refills the dynamic info of every
// monitored device. A backend error only leaves that device's fields unset.
func (s *Sampler) RefreshDynamicInfo(ctx context.Context) {
	for _, dev := range s.devices {
		if !dev.Monitored || dev.Backend == nil {
			continue
		}
		dev.Dynamic = gpu.DynamicInfo{}
		if err := dev.Backend.RefreshDynamicInfo(ctx, dev); err != nil {
			s.log.Debugf("No dynamic info for %s this cycle: %v", dev.PDev, err)
		}
	}
}

type sessionKey struct {
	pdev     string
	pid      int32
	clientID uint64
}

// RefreshProcesses rebuilds every monitored device's process list from one
// fdinfo sweep and advances the delta caches.
func (s *Sampler) RefreshProcesses(ctx context.Context) {
	monitored := make([]*gpu.Device, 0, len(s.devices))
	for _, dev := range s.devices {
		if dev.Monitored && dev.Backend != nil {
			dev.Processes = dev.Processes[:0]
			monitored = append(monitored, dev)
		}
	}
	if len(monitored) == 0 {
		return
	}

	var records []fdinfo.Record
	if s.source != nil {
		var err error
		records, err = s.source.Sweep(ctx)
		if err != nil {
			s.log.Warnf("fdinfo sweep failed: %v", err)
		}
	}

	// dup'ed descriptors share one open file and repeat its client id
	seen := make(map[sessionKey]struct{}, len(records))
	described := make(map[int32]fdinfo.ProcessInfo)

	for _, raw := range records {
		dev, rec, ok := s.claim(monitored, raw)
		if !ok {
			continue
		}

		sk := sessionKey{pdev: dev.PDev, pid: raw.PID, clientID: rec.ClientID}
		if _, dup := seen[sk]; dup {
			continue
		}
		seen[sk] = struct{}{}

		var util usage.Utilization
		if dev.Cache != nil {
			var err error
			util, err = dev.Cache.Observe(usage.Key{ClientID: rec.ClientID, PID: raw.PID, PDev: dev.PDev}, rec.Cycles)
			if errors.Is(err, usage.ErrDuplicateKey) {
				s.log.Errorf("Duplicate client %d of pid %d on %s in one cycle", rec.ClientID, raw.PID, dev.PDev)
			}
		}

		proc := dev.Process(raw.PID)
		if proc.Command == "" && proc.User == "" {
			info, known := described[raw.PID]
			if !known && s.source != nil {
				info = s.source.Lookup(ctx, raw.PID)
				described[raw.PID] = info
			}
			proc.Command = info.Command
			proc.User = info.User
		}
		proc.Merge(rec, util)
	}

	for _, dev := range monitored {
		if dev.Cache == nil {
			continue
		}
		if evicted := dev.Cache.EndCycle(); evicted > 0 {
			s.log.Debugf("Evicted %d exited client(s) on %s", evicted, dev.PDev)
		}
	}
}

// claim finds the device a record belongs to.
func (s *Sampler) claim(devices []*gpu.Device, raw fdinfo.Record) (*gpu.Device, gpu.Record, bool) {
	for _, dev := range devices {
		rec, err := dev.Backend.ParseProcessRecord(dev, bytes.NewReader(raw.Data))
		switch {
		case err == nil:
			return dev, rec, true
		case errors.Is(err, gpu.ErrNotThisDevice):
			continue
		case errors.Is(err, gpu.ErrNotParseable):
			s.log.Debugf("Dropped fdinfo of pid %d fd %d: %v", raw.PID, raw.FD, err)
			return nil, gpu.Record{}, false
		default:
			s.log.Debugf("Failed to read fdinfo of pid %d fd %d: %v", raw.PID, raw.FD, err)
			return nil, gpu.Record{}, false
		}
	}
	return nil, gpu.Record{}, false
}

// UtilisationRate sets every process's share of its device's memory.
func (s *Sampler) UtilisationRate() {
	for _, dev := range s.devices {
		if !dev.Monitored {
			continue
		}
		total, ok := dev.Dynamic.TotalMemory.Get()
		for i := range dev.Processes {
			proc := &dev.Processes[i]
			proc.MemoryPercent = types.None[uint32]()
			mem, memOK := proc.MemoryUsage.Get()
			if ok && memOK && total > 0 {
				proc.MemoryPercent = types.Some(uint32(mem * 100 / total))
			}
		}
	}
}

// FillFromProcesses fills device metrics the backend could not report
// from the sum over the device's processes.
func (s *Sampler) FillFromProcesses() {
	for _, dev := range s.devices {
		if !dev.Monitored {
			continue
		}
		fillFromProcesses(dev)
	}
}

func fillFromProcesses(dev *gpu.Device) {
	info := &dev.Dynamic

	if total, ok := info.TotalMemory.Get(); ok && !info.UsedMemory.IsSet() {
		var used uint64
		for _, p := range dev.Processes {
			used += p.MemoryUsage.OrElse(0)
		}
		info.UsedMemory = types.Some(used)
		free := uint64(0)
		if used < total {
			free = total - used
		}
		info.FreeMemory = types.Some(free)
		if total > 0 {
			info.MemUtilRate = types.Some(uint32(used * 100 / total))
		}
	}

	if !info.GPUUtilRate.IsSet() {
		info.GPUUtilRate = sumUsage(dev.Processes, func(p gpu.Process) types.Optional[uint32] { return p.GPUUsage })
	}
	if !info.EncoderRate.IsSet() {
		info.EncoderRate = sumUsage(dev.Processes, func(p gpu.Process) types.Optional[uint32] { return p.EncodeUsage })
	}
	if !info.DecoderRate.IsSet() {
		info.DecoderRate = sumUsage(dev.Processes, func(p gpu.Process) types.Optional[uint32] { return p.DecodeUsage })
	}
}

// sumUsage adds the set values, capped at 100; None when no process has one.
func sumUsage(procs []gpu.Process, field func(gpu.Process) types.Optional[uint32]) types.Optional[uint32] {
	var (
		sum   uint32
		found bool
	)
	for _, p := range procs {
		if v, ok := field(p).Get(); ok {
			sum += v
			found = true
		}
	}
	if !found {
		return types.None[uint32]()
	}
	if sum > 100 {
		sum = 100
	}
	return types.Some(sum)
}

// Sample refreshes dynamic info and processes without the rate pass.
func (s *Sampler) Sample(ctx context.Context) {
	s.RefreshDynamicInfo(ctx)
	s.RefreshProcesses(ctx)
	s.cycle++
}

// Pass is one dashboard sampling pass. With freeze set the process lists
// and caches are left as they were.
func (s *Sampler) Pass(ctx context.Context, freeze bool) {
	s.RefreshDynamicInfo(ctx)
	if !freeze {
		s.RefreshProcesses(ctx)
		s.UtilisationRate()
		s.FillFromProcesses()
	}
	s.cycle++
}

// Snapshot deep-copies the device state.
func (s *Sampler) Snapshot() *Snapshot {
	return newSnapshot(s.clock.Now(), s.cycle, s.devices)
}

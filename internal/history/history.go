// Package history keeps a bounded in-memory series of device metrics,
// one ring per device, fed by the refresh loop.
package history

import (
	"sync"
	"time"

	"github.com/shepherd-project/gpuwatch/internal/gpu"
	"github.com/shepherd-project/gpuwatch/internal/monitor"
	"github.com/shepherd-project/gpuwatch/internal/types"
)

// Sample is one device's metrics at one cycle.
type Sample struct {
	Time         time.Time              `json:"time"`
	Cycle        uint64                 `json:"cycle"`
	GPUUtil      types.Optional[uint32] `json:"gpuUtil"`
	MemUtil      types.Optional[uint32] `json:"memUtil"`
	EncoderRate  types.Optional[uint32] `json:"encoderRate"`
	DecoderRate  types.Optional[uint32] `json:"decoderRate"`
	TemperatureC types.Optional[uint32] `json:"temperatureC"`
	PowerDrawMW  types.Optional[uint32] `json:"powerDrawMilliwatt"`
}

func sampleOf(t time.Time, cycle uint64, dev *gpu.Device) Sample {
	return Sample{
		Time:         t,
		Cycle:        cycle,
		GPUUtil:      dev.Dynamic.GPUUtilRate,
		MemUtil:      dev.Dynamic.MemUtilRate,
		EncoderRate:  dev.Dynamic.EncoderRate,
		DecoderRate:  dev.Dynamic.DecoderRate,
		TemperatureC: dev.Dynamic.TemperatureC,
		PowerDrawMW:  dev.Dynamic.PowerDrawMilliwatt,
	}
}

// ring is a fixed-capacity circular buffer.
type ring struct {
	buf   []Sample
	start int
	n     int
}

func (r *ring) push(s Sample) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = s
		r.n++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) slice() []Sample {
	out := make([]Sample, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Store holds one ring per device. It is safe for concurrent use: the loop
// writes while HTTP handlers read.
type Store struct {
	mu       sync.RWMutex
	capacity int
	rings    map[string]*ring
	order    []string
}

// NewStore creates a store keeping capacity samples per device.
func NewStore(capacity int) *Store {
	if capacity < 1 {
		capacity = 1
	}
	return &Store{
		capacity: capacity,
		rings:    make(map[string]*ring),
	}
}

// Consume appends one sample per monitored device.
func (s *Store) Consume(snap *monitor.Snapshot) {
	if snap == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range snap.Devices {
		dev := &snap.Devices[i]
		if !dev.Monitored {
			continue
		}
		r, ok := s.rings[dev.PDev]
		if !ok {
			r = &ring{buf: make([]Sample, s.capacity)}
			s.rings[dev.PDev] = r
			s.order = append(s.order, dev.PDev)
		}
		r.push(sampleOf(snap.Time, snap.Cycle, dev))
	}
}

// Series returns the samples of a device, oldest first.
func (s *Store) Series(pdev string) ([]Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rings[pdev]
	if !ok {
		return nil, false
	}
	return r.slice(), true
}

// Devices returns the bus ids with history, in first-seen order.
func (s *Store) Devices() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]string(nil), s.order...)
}

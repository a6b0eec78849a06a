// Package export prints a one-shot JSON report of every monitored device.
package export

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shepherd-project/gpuwatch/internal/clock"
	"github.com/shepherd-project/gpuwatch/internal/gpu"
	"github.com/shepherd-project/gpuwatch/internal/monitor"
)

const (
	// SettleDelay separates the warm-up pass from the first measured pass.
	SettleDelay = 250 * time.Millisecond
	// WorkInterval is the window utilization is measured over.
	WorkInterval = time.Second
)

// Run samples three times (warm-up, start, finish), computes per-process
// rates and writes the report. Device metrics the backend could not report
// are not filled in from process sums.
func Run(ctx context.Context, s *monitor.Sampler, clk clock.Clock, w io.Writer) error {
	if clk == nil {
		clk = clock.Real()
	}

	s.Sample(ctx)
	clk.Sleep(SettleDelay)

	s.Sample(ctx)
	clk.Sleep(WorkInterval)

	s.Sample(ctx)
	s.UtilisationRate()

	return Write(w, s.Snapshot())
}

// Write prints the monitored devices of snap. The layout is fixed: other
// tools parse it line by line.
func Write(w io.Writer, snap *monitor.Snapshot) error {
	bw := bufio.NewWriter(w)

	bw.WriteString("[\n")
	for i, dev := range snap.Monitored() {
		if i > 0 {
			bw.WriteString(",\n")
		}
		writeDevice(bw, &dev)
	}
	bw.WriteString("\n]\n")

	return bw.Flush()
}

func writeDevice(w *bufio.Writer, dev *gpu.Device) {
	info := &dev.Dynamic

	fmt.Fprintf(w, "  {\n")
	fmt.Fprintf(w, "   \"device_name\": \"%s\",\n", escape(dev.Static.Name))

	if v, ok := info.GPUClockMHz.Get(); ok {
		fmt.Fprintf(w, "   \"gpu_clock\": \"%dMHz\",\n", v)
	} else {
		fmt.Fprintf(w, "   \"gpu_clock\": null,\n")
	}

	if v, ok := info.TemperatureC.Get(); ok {
		fmt.Fprintf(w, "   \"temp\": \"%dC\",\n", v)
	} else {
		fmt.Fprintf(w, "   \"temp\": null,\n")
	}

	if v, ok := info.FanRPM.Get(); ok {
		fmt.Fprintf(w, "   \"fan_speed\": \"%dRPM\",\n", v)
	} else {
		fmt.Fprintf(w, "   \"fan_speed\": null,\n")
	}

	if v, ok := info.PowerDrawMilliwatt.Get(); ok {
		fmt.Fprintf(w, "   \"power_draw\": \"%dW\",\n", v/1000)
	} else {
		fmt.Fprintf(w, "   \"power_draw\": null,\n")
	}

	fmt.Fprintf(w, "   \"gpu_util\": \"%d%%\",\n", processUsage(dev.Processes))

	if v, ok := info.MemUtilRate.Get(); ok {
		fmt.Fprintf(w, "   \"mem_util\": \"%d%%\",\n", v)
	} else {
		fmt.Fprintf(w, "   \"mem_util\": null,\n")
	}

	if total, ok := info.TotalMemory.Get(); ok {
		fmt.Fprintf(w, "   \"mem_total\": \"%d\",\n", total)
		// 与原输出格式保持兼容：总量已知时 used/free 缺失也打印 "0"
		fmt.Fprintf(w, "   \"mem_used\": \"%d\",\n", info.UsedMemory.OrElse(0))
		fmt.Fprintf(w, "   \"mem_free\": \"%d\"\n", info.FreeMemory.OrElse(0))
	} else {
		fmt.Fprintf(w, "   \"mem_total\": null\n")
	}

	fmt.Fprintf(w, "  }")
}

// processUsage sums the processes' GPU usage, capped at 100.
func processUsage(procs []gpu.Process) uint32 {
	var total uint32
	for _, p := range procs {
		total += p.GPUUsage.OrElse(0)
	}
	if total > 100 {
		total = 100
	}
	return total
}

// escape makes s safe inside a JSON string. Plain names pass unchanged.
func escape(s string) string {
	if !strings.ContainsAny(s, "\"\\") && !hasControl(s) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '"' || r == '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case r < 0x20:
			fmt.Fprintf(&b, "\\u%04x", r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func hasControl(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 {
			return true
		}
	}
	return false
}

package xe

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/shepherd-project/gpuwatch/internal/fdinfo"
	"github.com/shepherd-project/gpuwatch/internal/gpu"
	"github.com/shepherd-project/gpuwatch/internal/types"
	"github.com/shepherd-project/gpuwatch/internal/usage"
)

const (
	keyDriver   = "drm-driver"
	keyPDev     = "drm-pdev"
	keyClientID = "drm-client-id"
	keyVRAM     = "drm-total-vram0"
)

// Xe engine class names as they appear in fdinfo keys.
var (
	busyKeys = map[string]usage.Engine{
		"drm-cycles-rcs":  usage.Render,
		"drm-cycles-vcs":  usage.VideoDecode,
		"drm-cycles-vecs": usage.VideoEncode,
		"drm-cycles-bcs":  usage.Copy,
		"drm-cycles-ccs":  usage.Compute,
	}
	totalKeys = map[string]usage.Engine{
		"drm-total-cycles-rcs":  usage.Render,
		"drm-total-cycles-vcs":  usage.VideoDecode,
		"drm-total-cycles-vecs": usage.VideoEncode,
		"drm-total-cycles-bcs":  usage.Copy,
		"drm-total-cycles-ccs":  usage.Compute,
	}
)

// ParseRecord extracts one client session from an xe fdinfo record.
// A record for another device or written by another driver yields
// gpu.ErrNotThisDevice; one without a client id yields gpu.ErrNotParseable.
// Records without drm-pdev are attributed to pdev.
func ParseRecord(pdev string, r io.Reader) (gpu.Record, error) {
	var (
		rec         gpu.Record
		clientIDSet bool
	)

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		key, value, ok := fdinfo.SplitKeyValue(sc.Text())
		if !ok {
			continue
		}

		switch key {
		case keyDriver:
			if value != driverName {
				return gpu.Record{}, gpu.ErrNotThisDevice
			}
		case keyPDev:
			if value != pdev {
				return gpu.Record{}, gpu.ErrNotThisDevice
			}
		case keyClientID:
			id, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				continue
			}
			rec.ClientID = id
			clientIDSet = true
		case keyVRAM:
			if kib, ok := parseLeadingUint(value); ok {
				rec.Memory = types.Add(rec.Memory, kib*1024)
			}
		default:
			if e, ok := busyKeys[key]; ok {
				rec.Cycles[e].Busy, _ = parseLeadingUint(value)
			} else if e, ok := totalKeys[key]; ok {
				rec.Cycles[e].Total, _ = parseLeadingUint(value)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return gpu.Record{}, err
	}

	if !clientIDSet {
		return gpu.Record{}, gpu.ErrNotParseable
	}

	if rec.Cycles[usage.Render].Busy != 0 {
		rec.Type |= gpu.Graphical
	}
	if rec.Cycles[usage.Compute].Busy != 0 {
		rec.Type |= gpu.Compute
	}
	return rec, nil
}

// parseLeadingUint reads the decimal prefix of value; "1024 KiB" is 1024.
func parseLeadingUint(value string) (uint64, bool) {
	if i := strings.IndexAny(value, " \t"); i >= 0 {
		value = value[:i]
	}
	v, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

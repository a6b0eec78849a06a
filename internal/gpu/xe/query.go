package xe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// ioctlDeviceQuery is DRM_IOCTL_XE_DEVICE_QUERY,
	// _IOWR('d', 0x40, struct drm_xe_device_query).
	ioctlDeviceQuery = 0xC0286440

	queryMemRegions = 1

	regionClassSysmem = 0
	regionClassVRAM   = 1

	memRegionsHeaderSize = 8
	memRegionSize        = 88
)

// deviceQuery mirrors struct drm_xe_device_query.
type deviceQuery struct {
	Extensions uint64
	Query      uint32
	Size       uint32
	Data       uint64
	Reserved   [2]uint64
}

// queryFunc issues one device query. With a nil buf it only has to fill
// q.Size; otherwise it fills buf, which is exactly q.Size bytes long.
type queryFunc func(fd int, q *deviceQuery, buf []byte) error

func ioctlQuery(fd int, q *deviceQuery, buf []byte) error {
	if buf != nil {
		q.Data = uint64(uintptr(unsafe.Pointer(&buf[0])))
	}
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), ioctlDeviceQuery, uintptr(unsafe.Pointer(q)))
		if errno == unix.EINTR || errno == unix.EAGAIN {
			continue
		}
		runtime.KeepAlive(buf)
		if errno != 0 {
			return errno
		}
		return nil
	}
}

// fetch runs the two-call protocol: learn the size, allocate, fill.
func fetch(query queryFunc, fd int, id uint32) ([]byte, error) {
	q := deviceQuery{Query: id}
	if err := query(fd, &q, nil); err != nil {
		return nil, fmt.Errorf("%w: size query: %w", ErrQueryUnavailable, err)
	}
	if q.Size == 0 {
		return nil, fmt.Errorf("%w: empty result", ErrQueryUnavailable)
	}

	buf := make([]byte, q.Size)
	if err := query(fd, &q, buf); err != nil {
		return nil, fmt.Errorf("%w: fetch: %w", ErrQueryUnavailable, err)
	}
	return buf, nil
}

// memRegion is the useful part of struct drm_xe_mem_region.
type memRegion struct {
	Class       uint16
	Instance    uint16
	MinPageSize uint32
	TotalSize   uint64
	Used        uint64
}

func decodeMemRegions(buf []byte) ([]memRegion, error) {
	if len(buf) < memRegionsHeaderSize {
		return nil, ErrShortBuffer
	}
	n := binary.NativeEndian.Uint32(buf[0:4])
	if uint64(len(buf)-memRegionsHeaderSize) < uint64(n)*memRegionSize {
		return nil, fmt.Errorf("%w: %d regions in %d bytes", ErrShortBuffer, n, len(buf))
	}

	regions := make([]memRegion, n)
	for i := range regions {
		r := buf[memRegionsHeaderSize+i*memRegionSize:]
		regions[i] = memRegion{
			Class:       binary.NativeEndian.Uint16(r[0:2]),
			Instance:    binary.NativeEndian.Uint16(r[2:4]),
			MinPageSize: binary.NativeEndian.Uint32(r[4:8]),
			TotalSize:   binary.NativeEndian.Uint64(r[8:16]),
			Used:        binary.NativeEndian.Uint64(r[16:24]),
		}
	}
	return regions, nil
}

// selectRegion picks device-local memory, or the only region of a
// unified-memory device.
func selectRegion(regions []memRegion) (memRegion, error) {
	for _, r := range regions {
		if r.Class == regionClassVRAM || len(regions) == 1 {
			return r, nil
		}
	}
	return memRegion{}, ErrNoRegion
}

// queryMemory returns total and used bytes of the selected region.
func queryMemory(query queryFunc, fd int) (total, used uint64, err error) {
	buf, err := fetch(query, fd, queryMemRegions)
	if err != nil {
		return 0, 0, err
	}
	regions, err := decodeMemRegions(buf)
	if err != nil {
		return 0, 0, err
	}
	r, err := selectRegion(regions)
	if err != nil {
		return 0, 0, err
	}
	return r.TotalSize, r.Used, nil
}

func isPermission(err error) bool {
	return errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM)
}

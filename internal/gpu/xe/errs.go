package xe

import "errors"

var (
	// ErrQueryUnavailable indicates that the device query ioctl failed.
	ErrQueryUnavailable = errors.New("xe: device query unavailable")

	// ErrShortBuffer indicates that a query result was truncated.
	ErrShortBuffer = errors.New("xe: short query buffer")

	// ErrNoRegion indicates that no usable memory region was reported.
	ErrNoRegion = errors.New("xe: no memory region")
)

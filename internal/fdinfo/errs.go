package fdinfo

import "errors"

var (
	// ErrNoPids indicates that the process list could not be read.
	ErrNoPids = errors.New("fdinfo: cannot list processes")

	// ErrNotDRM indicates that a file descriptor does not point at a DRM node.
	ErrNotDRM = errors.New("fdinfo: not a drm file descriptor")
)

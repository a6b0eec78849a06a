package monitor

import "errors"

// ErrInput is returned by Loop.Run when reading keys fails.
var ErrInput = errors.New("monitor: input failed")

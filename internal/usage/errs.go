package usage

import "errors"

// ErrDuplicateKey indicates that one client session was fed to the cache
// twice within one cycle. It is a bug upstream, not a data condition.
var ErrDuplicateKey = errors.New("usage: duplicate key in cycle")

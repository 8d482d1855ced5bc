package tree

import "errors"

// ErrCorrupt is returned by Check when an arena or the free index breaks
// an invariant.
var ErrCorrupt = errors.New("tree: heap corrupted")

package wire

import "errors"

// ErrMalformedFrame indicates a codec decode failure: a short read, an
// oversize payload, or trailing bytes after a declared length.
var ErrMalformedFrame = errors.New("wire: malformed frame")

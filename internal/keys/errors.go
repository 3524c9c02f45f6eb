package keys

import "errors"

var errShortBuffer = errors.New("keys: truncated set encoding")

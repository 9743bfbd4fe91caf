package remote

import "errors"

// ErrUploadUnsupported is returned by runners that cannot move files.
var ErrUploadUnsupported = errors.New("upload not supported by this runner")

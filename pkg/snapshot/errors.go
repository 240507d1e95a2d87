package snapshot

import "errors"

var (
	ErrCapture        = errors.New("capture snapshot")
	ErrIndex          = errors.New("snapshot index")
	ErrRestore        = errors.New("restore snapshot")
	ErrBlobStore      = errors.New("blob store")
	ErrNoSnapshot     = errors.New("no snapshot for path")
	ErrContentMissing = errors.New("snapshot content missing")
)

package session

import (
	"errors"

	"aria/encoder"
)

// Error taxonomy for the conversation loop. DecodeFailure and silent
// segments recover locally; everything else surfaces to the user and parks
// the session in Idle until an explicit restart.
var (
	ErrPermissionDenied  = errors.New("device permission denied")
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	ErrChannel           = errors.New("channel failure")
	ErrNotSharing        = errors.New("screen sharing not active")
	ErrBackend           = errors.New("backend error")

	// ErrDecodeFailure marks a captured segment that cannot be decoded.
	ErrDecodeFailure = encoder.ErrDecode
)

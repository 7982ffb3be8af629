package facematch

import "errors"

var (
	// ErrExtractionFailed means no usable face embedding came out of the request.
	ErrExtractionFailed = errors.New("face extraction failed")

	// ErrIndexUnavailable means every per-face search failed.
	ErrIndexUnavailable = errors.New("embedding index unavailable")
)

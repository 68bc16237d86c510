package persist

import "errors"

var (
	// ErrNoSnapshot indicates the backend holds no snapshot yet.
	ErrNoSnapshot = errors.New("persist: no snapshot")

	// ErrUnsupportedBackend indicates an unknown backend name.
	ErrUnsupportedBackend = errors.New("persist: unsupported backend")

	// ErrCorruptSnapshot indicates a snapshot that could not be decoded.
	ErrCorruptSnapshot = errors.New("persist: corrupt snapshot")
)

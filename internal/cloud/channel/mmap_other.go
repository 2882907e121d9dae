//go:build !unix

package channel

import (
	"errors"
	"os"
)

var errMapUnsupported = errors.New("memory mapping not supported on this platform")

// mapWindow reports that mapping is unavailable; callers fall back to heap windows.
func mapWindow(*window, *os.File, bool) error {
	return errMapUnsupported
}

func errorsIsUnsupported(err error) bool {
	return errors.Is(err, errMapUnsupported)
}

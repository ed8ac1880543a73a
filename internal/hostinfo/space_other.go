//go:build !linux

package hostinfo

import (
	"errors"
	"runtime"
)

func freeBytes(string) (uint64, error) {
	return 0, errors.New("free space is not supported on " + runtime.GOOS)
}

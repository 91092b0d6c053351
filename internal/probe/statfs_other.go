//go:build !linux && !darwin && !freebsd

package probe

import "errors"

var errUnsupported = errors.New("free space probe not supported on this platform")

func statfs(string) (int64, int64, error) {
	return 0, 0, errUnsupported
}

//go:build !windows

package oauth

import (
	"syscall"

	"github.com/cockroachdb/errors"
)

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

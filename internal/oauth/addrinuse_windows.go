//go:build windows

package oauth

import (
	"syscall"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/windows"
)

// Winsock reports WSAEADDRINUSE, which syscall.EADDRINUSE does not match.
func isAddrInUse(err error) bool {
	return errors.Is(err, windows.WSAEADDRINUSE) || errors.Is(err, syscall.EADDRINUSE)
}

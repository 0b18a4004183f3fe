//go:build !(linux || darwin || dragonfly || freebsd || netbsd || openbsd)

package transport

import "syscall"

// Address reuse is left to the platform default here.
func reuseAddr(_, _ string, _ syscall.RawConn) error { return nil }

//go:build !unix

package netutil

import "syscall"

func reuseAddrControl(network, address string, c syscall.RawConn) error {
	return nil
}

//go:build !unix

package vport

import "syscall"

func reuseAddrControl(network, address string, c syscall.RawConn) error {
	return nil
}

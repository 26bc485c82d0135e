//go:build !linux

// Non-Linux builds have no TCP_INFO equivalent wired up; Sample always
// reports "no sample available" rather than guessing. Grounded on
// runZeroInc-sockstats' tcpinfo_other.go stub of the same shape.
package netquality

import "net"

func Sample(conn net.Conn) (float64, bool) {
	return 0, false
}

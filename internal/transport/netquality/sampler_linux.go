//go:build linux

// Package netquality samples socket-level signal quality so the FSM
// (spec §4.4) can detect primary-link degradation proactively, before a
// send actually times out. On Linux this reads TCP_INFO off the raw
// file descriptor; grounded on runZeroInc-sockstats' pkg/tcpinfo, which
// does the same SO_GETSOCKOPT(TCP_INFO) call via golang.org/x/sys/unix
// and github.com/higebu/netfd to get at the fd behind a *net.TCPConn.
package netquality

import (
	"net"

	"github.com/higebu/netfd"
	"golang.org/x/sys/unix"
)

// Sample returns a quality score in [0,1] derived from TCP_INFO's
// round-trip-time and retransmit counters, or false if the connection
// is not a TCP socket or the syscall fails.
func Sample(conn net.Conn) (float64, bool) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return 0, false
	}
	fd, err := netfd.RawFd(tcpConn)
	if err != nil {
		return 0, false
	}

	info, err := unix.GetsockoptTCPInfo(int(fd), unix.SOL_TCP, unix.TCP_INFO)
	if err != nil {
		return 0, false
	}
	return scoreFromInfo(info), true
}

// scoreFromInfo maps smoothed RTT and retransmit count to a [0,1]
// quality score: 0 RTT / 0 retransmits is perfect; RTT at or beyond
// rttCeilingMicros scores 0, and any retransmit on the connection so far
// (Retransmits or Total_retrans nonzero) multiplies the score by 0.4.
func scoreFromInfo(info *unix.TCPInfo) float64 {
	const rttCeilingMicros = 400_000 // 400ms

	rtt := float64(info.Rtt)
	if rtt > rttCeilingMicros {
		rtt = rttCeilingMicros
	}
	rttScore := 1 - rtt/rttCeilingMicros

	retransPenalty := 1.0
	if info.Retransmits > 0 || info.Total_retrans > 0 {
		retransPenalty = 0.4
	}

	score := rttScore * retransPenalty
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

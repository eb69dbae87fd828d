// Package egress implements the Egress Supervisor and the components it
// composes: the port allocator (A), the pipeline process supervisor (B),
// and the segment poller (C). Grounded on the teacher's internal/app/sfu
// relay package for the "own a resource, release it on teardown" shape,
// generalized from in-process RTP fan-out to an external-process
// pipeline.
package egress

import (
	"fmt"
	"net"
)

// AllocatePort binds a fresh UDP socket to host:0, reads back the
// kernel-assigned port, and releases the socket (spec §4.A). The
// returned port is advisory only — a later consumer may still lose the
// race to another bind.
func AllocatePort(host string) (int, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:0", host))
	if err != nil {
		return 0, fmt.Errorf("egress: resolve addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return 0, fmt.Errorf("egress: bind ephemeral port: %w", err)
	}
	defer conn.Close()

	port := conn.LocalAddr().(*net.UDPAddr).Port
	return port, nil
}

package rtp

import (
	"fmt"
	"net"
	"sync"
)

// PortAllocator hands out local RTP ports from a fixed range. Unlike a
// bookkeeping-only pool, Allocate actually binds the UDP socket so a
// port that is busy on the host is skipped rather than advertised in
// SDP and then found unusable.
type PortAllocator struct {
	mu        sync.Mutex
	minPort   int
	maxPort   int
	next      int
	allocated map[int]bool
}

// NewPortAllocator creates an allocator for the inclusive range
// [minPort, maxPort]. Only even ports are used, leaving the odd
// neighbour free for RTCP should it ever be needed.
func NewPortAllocator(minPort, maxPort int) *PortAllocator {
	if minPort%2 != 0 {
		minPort++
	}
	return &PortAllocator{
		minPort:   minPort,
		maxPort:   maxPort,
		next:      minPort,
		allocated: make(map[int]bool),
	}
}

// Allocate binds a UDP socket on localIP at a free even port in the
// range and returns the connection plus the port number.
func (p *PortAllocator) Allocate(localIP net.IP) (*net.UDPConn, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	span := (p.maxPort - p.minPort) / 2
	for i := 0; i <= span; i++ {
		port := p.next
		p.next += 2
		if p.next > p.maxPort {
			p.next = p.minPort
		}
		if p.allocated[port] {
			continue
		}

		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: localIP, Port: port})
		if err != nil {
			continue
		}
		p.allocated[port] = true
		return conn, port, nil
	}

	return nil, 0, fmt.Errorf("no free RTP port in range %d-%d", p.minPort, p.maxPort)
}

// Release returns a port to the allocator. The caller closes the
// socket itself.
func (p *PortAllocator) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.allocated, port)
}

// Allocated returns the number of ports currently handed out.
func (p *PortAllocator) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}

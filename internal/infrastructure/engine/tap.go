package engine

import (
	"context"
	"fmt"
	"net"
	"sync"

	"stagelink/internal/core/domain"
)

// tap duplicates a producer's RTP onto a loopback UDP socket so an
// external process can read it without touching the WebRTC stack.
type tap struct {
	producerID domain.ProducerID
	port       int
	conn       *net.UDPConn

	mu     sync.Mutex
	closed bool
}

func (t *tap) write(b []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	// Best effort: a slow or absent reader must not stall forwarding.
	t.conn.Write(b)
}

func (t *tap) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.conn.Close()
}

// CreateTap is idempotent per producer; the existing tap is returned on
// repeat calls.
func (e *Engine) CreateTap(ctx context.Context, producerID domain.ProducerID) (domain.ProducerTap, error) {
	e.mu.Lock()
	p, exists := e.producers[producerID]
	if !exists {
		e.mu.Unlock()
		return domain.ProducerTap{}, fmt.Errorf("unknown producer %s", producerID)
	}
	if existing, ok := e.taps[producerID]; ok {
		e.mu.Unlock()
		return tapRecord(p, existing), nil
	}
	e.mu.Unlock()

	port := e.tapPorts.acquire()
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		e.tapPorts.release(port)
		return domain.ProducerTap{}, fmt.Errorf("failed to open tap socket: %w", err)
	}

	tp := &tap{producerID: producerID, port: port, conn: conn}

	e.mu.Lock()
	if existing, ok := e.taps[producerID]; ok {
		// Lost the race; keep the first tap.
		e.mu.Unlock()
		tp.close()
		e.tapPorts.release(port)
		return tapRecord(p, existing), nil
	}
	e.taps[producerID] = tp
	e.mu.Unlock()

	p.tapSink.Store(tp)

	e.logger.Infow("producer tap opened",
		"producer_id", producerID,
		"port", port,
		"kind", p.kind,
	)

	return tapRecord(p, tp), nil
}

func (e *Engine) CloseTap(ctx context.Context, producerID domain.ProducerID) error {
	e.mu.Lock()
	tp, exists := e.taps[producerID]
	if exists {
		delete(e.taps, producerID)
	}
	p, pExists := e.producers[producerID]
	e.mu.Unlock()

	if !exists {
		return nil
	}
	if pExists {
		p.tapSink.Store(nil)
	}
	tp.close()
	e.tapPorts.release(tp.port)
	return nil
}

func tapRecord(p *producer, tp *tap) domain.ProducerTap {
	pt := uint8(96)
	if p.kind == domain.KindAudio {
		pt = 111
	}
	return domain.ProducerTap{
		ProducerID:  p.id,
		Kind:        p.kind,
		Address:     fmt.Sprintf("127.0.0.1:%d", tp.port),
		PayloadType: pt,
	}
}

// portAllocator hands out UDP ports from a base, reusing released ones
// first.
type portAllocator struct {
	mu    sync.Mutex
	next  int
	freed []int
}

func newPortAllocator(base int) *portAllocator {
	return &portAllocator{next: base}
}

func (a *portAllocator) acquire() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.freed); n > 0 {
		p := a.freed[n-1]
		a.freed = a.freed[:n-1]
		return p
	}
	p := a.next
	a.next += 2
	return p
}

func (a *portAllocator) release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freed = append(a.freed, port)
}

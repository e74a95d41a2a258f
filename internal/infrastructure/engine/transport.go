package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"stagelink/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// transport wraps one PeerConnection. Send transports carry incoming
// producer tracks; recv transports carry outgoing consumer tracks.
type transport struct {
	id        domain.TransportID
	roomID    domain.RoomID
	direction domain.TransportDirection
	pc        *webrtc.PeerConnection
	engine    *Engine
	createdAt time.Time

	mu        sync.Mutex
	connected bool
	pending   []*producer
}

// registerPendingProducer queues a producer waiting for its media to
// arrive. OnTrack matches by kind in registration order.
func (t *transport) registerPendingProducer(p *producer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, p)
}

func (t *transport) claimPendingProducer(kind domain.MediaKind) *producer {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, p := range t.pending {
		if p.kind == kind {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			return p
		}
	}
	return nil
}

func (t *transport) handleRemoteTrack(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	kind := domain.KindAudio
	if remote.Kind() == webrtc.RTPCodecTypeVideo {
		kind = domain.KindVideo
	}

	p := t.claimPendingProducer(kind)
	if p == nil {
		t.engine.logger.Warnw("received track with no matching producer",
			"transport_id", t.id,
			"kind", kind,
			"ssrc", remote.SSRC(),
		)
		return
	}

	p.attach(remote, t)

	t.engine.logger.Infow("producer track attached",
		"producer_id", p.id,
		"transport_id", t.id,
		"kind", kind,
		"mime_type", remote.Codec().MimeType,
	)

	go p.forward(t.engine)
	if kind == domain.KindVideo {
		go p.keyframeLoop(t)
	}
}

// producer owns the forwarding loop for one incoming track. Packets fan
// out to each resumed consumer's outgoing track, and duplicate to the
// UDP tap when one is attached. Paused consumers are skipped, so media
// does not reach a receiver before it resumes.
type producer struct {
	id          domain.ProducerID
	transportID domain.TransportID
	roomID      domain.RoomID
	kind        domain.MediaKind
	codec       webrtc.RTPCodecCapability

	mu        sync.Mutex
	remote    *webrtc.TrackRemote
	owner     *transport
	outputs   atomic.Pointer[[]*consumer]
	tapSink   atomic.Pointer[tap]
	pli       chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (p *producer) attach(remote *webrtc.TrackRemote, owner *transport) {
	p.mu.Lock()
	p.remote = remote
	p.owner = owner
	p.pli = make(chan struct{}, 1)
	p.mu.Unlock()
}

func (p *producer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}

func (p *producer) addConsumer(c *consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var next []*consumer
	if cur := p.outputs.Load(); cur != nil {
		next = append(next, *cur...)
	}
	next = append(next, c)
	p.outputs.Store(&next)
}

func (p *producer) removeConsumer(id domain.ConsumerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := p.outputs.Load()
	if cur == nil {
		return
	}
	next := make([]*consumer, 0, len(*cur))
	for _, c := range *cur {
		if c.id != id {
			next = append(next, c)
		}
	}
	p.outputs.Store(&next)
}

// fanOut writes the packet to every resumed consumer. Write failures are
// expected while a sender is being torn down and carry no signal.
func (p *producer) fanOut(packet *rtp.Packet) {
	outs := p.outputs.Load()
	if outs == nil {
		return
	}
	for _, c := range *outs {
		if c.paused.Load() {
			continue
		}
		_ = c.track.WriteRTP(packet)
	}
}

func (p *producer) requestKeyframe() {
	p.mu.Lock()
	pli := p.pli
	p.mu.Unlock()
	if pli == nil {
		return
	}
	select {
	case pli <- struct{}{}:
	default:
	}
}

// forward reads RTP from the remote track and fans it out until the
// track ends or the producer is closed.
func (p *producer) forward(e *Engine) {
	p.mu.Lock()
	remote := p.remote
	p.mu.Unlock()

	buf := make([]byte, 1500)
	for {
		select {
		case <-p.done:
			return
		default:
		}

		n, _, err := remote.Read(buf)
		if err != nil {
			e.logger.Debugw("producer track ended", "producer_id", p.id, "error", err)
			return
		}

		var packet rtp.Packet
		if err := packet.Unmarshal(buf[:n]); err != nil {
			continue
		}

		p.fanOut(&packet)

		if sink := p.tapSink.Load(); sink != nil {
			sink.write(buf[:n])
		}
	}
}

// keyframeLoop sends a PLI every few seconds so late joiners decode
// quickly, plus whenever a consumer resumes.
func (p *producer) keyframeLoop(t *transport) {
	p.mu.Lock()
	remote := p.remote
	pli := p.pli
	p.mu.Unlock()

	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	send := func() {
		err := t.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(remote.SSRC())},
		})
		if err != nil {
			t.engine.logger.Debugw("pli send failed", "producer_id", p.id, "error", err)
		}
	}

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			send()
		case <-pli:
			send()
		}
	}
}

// rtpOut is the write side of a consumer's outgoing track.
type rtpOut interface {
	WriteRTP(packet *rtp.Packet) error
}

// consumer is one subscription of a recv transport to a producer track.
// It owns a dedicated outgoing track, so pausing one consumer does not
// affect the producer's other subscribers.
type consumer struct {
	id          domain.ConsumerID
	transportID domain.TransportID
	producerID  domain.ProducerID
	kind        domain.MediaKind
	sender      *webrtc.RTPSender
	track       rtpOut
	paused      atomic.Bool
}

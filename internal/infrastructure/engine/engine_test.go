package engine

import (
	"context"
	"fmt"
	"testing"

	"stagelink/internal/core/domain"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// countingTrack records fan-out deliveries in place of a pion track.
type countingTrack struct {
	writes int
}

func (c *countingTrack) WriteRTP(packet *rtp.Packet) error {
	c.writes++
	return nil
}

func newFanOutProducer() *producer {
	return &producer{
		id:   "prod-1",
		kind: domain.KindVideo,
		done: make(chan struct{}),
	}
}

func TestFanOut_SkipsPausedConsumers(t *testing.T) {
	p := newFanOutProducer()

	first := &countingTrack{}
	second := &countingTrack{}
	a := &consumer{id: "cons-a", producerID: p.id, track: first}
	b := &consumer{id: "cons-b", producerID: p.id, track: second}
	a.paused.Store(true)
	b.paused.Store(true)
	p.addConsumer(a)
	p.addConsumer(b)

	packet := &rtp.Packet{}
	p.fanOut(packet)
	assert.Equal(t, 0, first.writes, "paused consumer received media")
	assert.Equal(t, 0, second.writes, "paused consumer received media")

	a.paused.Store(false)
	p.fanOut(packet)
	assert.Equal(t, 1, first.writes)
	assert.Equal(t, 0, second.writes, "resume of one consumer leaked into another")

	b.paused.Store(false)
	p.fanOut(packet)
	assert.Equal(t, 2, first.writes)
	assert.Equal(t, 1, second.writes)
}

func TestFanOut_StopsAfterConsumerRemoved(t *testing.T) {
	p := newFanOutProducer()

	track := &countingTrack{}
	c := &consumer{id: "cons-a", producerID: p.id, track: track}
	p.addConsumer(c)

	packet := &rtp.Packet{}
	p.fanOut(packet)
	require.Equal(t, 1, track.writes)

	p.removeConsumer(c.id)
	p.fanOut(packet)
	assert.Equal(t, 1, track.writes)
}

func TestFailWorker_FencesRoutedRooms(t *testing.T) {
	e, err := New(Config{Workers: 2}, zap.NewNop().Sugar())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, e.EnsureRouter(ctx, "room-1", 0))

	e.failWorker(0, fmt.Errorf("api exhausted"))

	select {
	case id := <-e.Died():
		assert.Equal(t, domain.WorkerID(0), id)
	default:
		t.Fatal("worker death was never reported")
	}

	// The room stays pinned to the dead worker, so its operations fail
	// until the coordinator moves it.
	assert.Error(t, e.EnsureRouter(ctx, "room-1", 0))
	_, err = e.CreateTransport(ctx, "room-1", domain.DirectionSend)
	assert.Error(t, err)

	// Healthy workers keep serving other rooms.
	assert.NoError(t, e.EnsureRouter(ctx, "room-2", 1))

	// Repeat failures of the same worker do not re-notify.
	e.failWorker(0, fmt.Errorf("api exhausted"))
	select {
	case <-e.Died():
		t.Fatal("duplicate death notification")
	default:
	}
}

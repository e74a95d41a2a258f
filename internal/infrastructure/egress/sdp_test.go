package egress

import (
	"strings"
	"testing"

	"stagelink/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func TestSessionDescription_AudioAndVideo(t *testing.T) {
	sdp := sessionDescription([]domain.ProducerTap{
		{ProducerID: "a1", Kind: domain.KindAudio, Address: "127.0.0.1:47000", PayloadType: 111},
		{ProducerID: "v1", Kind: domain.KindVideo, Address: "127.0.0.1:47002", PayloadType: 96},
	})

	assert.True(t, strings.HasPrefix(sdp, "v=0\n"))
	assert.Contains(t, sdp, "c=IN IP4 127.0.0.1\n")
	assert.Contains(t, sdp, "m=audio 47000 RTP/AVP 111\n")
	assert.Contains(t, sdp, "a=rtpmap:111 opus/48000/2\n")
	assert.Contains(t, sdp, "m=video 47002 RTP/AVP 96\n")
	assert.Contains(t, sdp, "a=rtpmap:96 VP8/90000\n")
}

func TestSessionDescription_NoTaps(t *testing.T) {
	sdp := sessionDescription(nil)

	assert.Contains(t, sdp, "t=0 0\n")
	assert.NotContains(t, sdp, "m=")
}

func TestTapPort(t *testing.T) {
	assert.Equal(t, "47000", tapPort("127.0.0.1:47000"))
	assert.Equal(t, "47000", tapPort("47000"))
}

package egress

import (
	"fmt"
	"strings"

	"stagelink/internal/core/domain"
)

// sessionDescription renders the taps as an SDP file ffmpeg can open as
// a single multi-stream RTP input.
func sessionDescription(taps []domain.ProducerTap) string {
	var b strings.Builder
	b.WriteString("v=0\n")
	b.WriteString("o=- 0 0 IN IP4 127.0.0.1\n")
	b.WriteString("s=stagelink egress\n")
	b.WriteString("c=IN IP4 127.0.0.1\n")
	b.WriteString("t=0 0\n")

	for _, tp := range taps {
		port := tapPort(tp.Address)
		switch tp.Kind {
		case domain.KindAudio:
			fmt.Fprintf(&b, "m=audio %s RTP/AVP %d\n", port, tp.PayloadType)
			fmt.Fprintf(&b, "a=rtpmap:%d opus/48000/2\n", tp.PayloadType)
		case domain.KindVideo:
			fmt.Fprintf(&b, "m=video %s RTP/AVP %d\n", port, tp.PayloadType)
			fmt.Fprintf(&b, "a=rtpmap:%d VP8/90000\n", tp.PayloadType)
		}
	}

	return b.String()
}

func tapPort(address string) string {
	if i := strings.LastIndex(address, ":"); i >= 0 {
		return address[i+1:]
	}
	return address
}

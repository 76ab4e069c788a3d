package sink

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"
)

// H.264 NAL unit types this sink cares about.
const (
	naluTypeIDR = 5
	naluTypeSPS = 7
	naluTypePPS = 8
)

// splitAVC walks a length-prefixed (AVCC) buffer and returns the NAL
// units without their 4-byte length headers.
func splitAVC(buf []byte) [][]byte {
	var units [][]byte
	for len(buf) >= 4 {
		size := binary.BigEndian.Uint32(buf[:4])
		buf = buf[4:]
		if size == 0 || int(size) > len(buf) {
			break
		}
		units = append(units, buf[:size])
		buf = buf[size:]
	}
	return units
}

// joinAVC re-assembles NAL units into a single AVCC access unit.
func joinAVC(units [][]byte) []byte {
	total := 0
	for _, u := range units {
		total += 4 + len(u)
	}
	out := make([]byte, 0, total)
	var hdr [4]byte
	for _, u := range units {
		binary.BigEndian.PutUint32(hdr[:], uint32(len(u)))
		out = append(out, hdr[:]...)
		out = append(out, u...)
	}
	return out
}

func naluType(unit []byte) uint8 {
	if len(unit) == 0 {
		return 0
	}
	return unit[0] & 0x1f
}

// containsKeyframe reports whether any unit is an IDR slice.
func containsKeyframe(units [][]byte) bool {
	for _, u := range units {
		if naluType(u) == naluTypeIDR {
			return true
		}
	}
	return false
}

// fmtpLine builds the SDP fmtp string carrying the stream's parameter
// sets, which the muxer needs to emit a valid init segment.
func fmtpLine(sps, pps []byte) (string, error) {
	if len(sps) == 0 || len(pps) == 0 {
		return "", fmt.Errorf("missing parameter sets (sps=%d pps=%d bytes)", len(sps), len(pps))
	}
	var b strings.Builder
	b.WriteString("packetization-mode=1;sprop-parameter-sets=")
	b.WriteString(base64.StdEncoding.EncodeToString(sps))
	b.WriteString(",")
	b.WriteString(base64.StdEncoding.EncodeToString(pps))
	return b.String(), nil
}

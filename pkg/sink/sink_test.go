package sink

import (
	"encoding/binary"
	"errors"
	"os"
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

func avcUnit(t *testing.T, units ...[]byte) []byte {
	t.Helper()
	var out []byte
	var hdr [4]byte
	for _, u := range units {
		binary.BigEndian.PutUint32(hdr[:], uint32(len(u)))
		out = append(out, hdr[:]...)
		out = append(out, u...)
	}
	return out
}

func TestSplitAVCRoundTrip(t *testing.T) {
	sps := []byte{0x67, 0x42, 0x00, 0x1f}
	idr := []byte{0x65, 0x88, 0x84, 0x00, 0x10}

	buf := avcUnit(t, sps, idr)
	units := splitAVC(buf)
	require.Len(t, units, 2)
	require.Equal(t, sps, units[0])
	require.Equal(t, idr, units[1])

	require.Equal(t, buf, joinAVC(units))
}

func TestSplitAVCTruncated(t *testing.T) {
	buf := avcUnit(t, []byte{0x65, 0x01, 0x02})
	// Corrupt the length so it overruns the buffer.
	binary.BigEndian.PutUint32(buf[:4], 100)
	require.Empty(t, splitAVC(buf))
}

func TestNALUClassification(t *testing.T) {
	tests := []struct {
		name string
		unit []byte
		typ  uint8
	}{
		{"idr", []byte{0x65, 0x00}, 5},
		{"sps", []byte{0x67, 0x42}, 7},
		{"pps", []byte{0x68, 0xce}, 8},
		{"p-frame", []byte{0x41, 0x9a}, 1},
		{"empty", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.typ, naluType(tt.unit))
		})
	}
}

func TestContainsKeyframe(t *testing.T) {
	require.True(t, containsKeyframe([][]byte{{0x41, 0x01}, {0x65, 0x02}}))
	require.False(t, containsKeyframe([][]byte{{0x41, 0x01}}))
}

func TestFmtpLine(t *testing.T) {
	line, err := fmtpLine([]byte{0x67, 0x42}, []byte{0x68, 0xce})
	require.NoError(t, err)
	require.Contains(t, line, "packetization-mode=1")
	require.Contains(t, line, "sprop-parameter-sets=Z0I=,aM4=")

	_, err = fmtpLine(nil, []byte{0x68})
	require.Error(t, err)
}

// recordingSink counts calls for fan-out tests.
type recordingSink struct {
	started  int
	packets  int
	closed   int
	writeErr error
	closeErr error
}

func (r *recordingSink) Start() error { r.started++; return nil }
func (r *recordingSink) WriteRTP(pkt *rtp.Packet) error {
	r.packets++
	return r.writeErr
}
func (r *recordingSink) Close() error { r.closed++; return r.closeErr }

func TestFanoutDistributes(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{writeErr: errors.New("disk full")}

	f := NewFanoutSink(nil, a, b)
	require.NoError(t, f.Start())

	pkt := &rtp.Packet{}
	require.NoError(t, f.WriteRTP(pkt))
	require.NoError(t, f.WriteRTP(pkt))

	// b's write error must not stop a from receiving packets.
	require.Equal(t, 2, a.packets)
	require.Equal(t, 2, b.packets)

	require.NoError(t, f.Close())
	require.Equal(t, 1, a.closed)
	require.Equal(t, 1, b.closed)
}

func TestFanoutCloseReportsFirstError(t *testing.T) {
	boom := errors.New("boom")
	a := &recordingSink{closeErr: boom}
	b := &recordingSink{}

	f := NewFanoutSink(nil, a, b)
	err := f.Close()
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, b.closed)
}

func TestMP4SinkLifecycle(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/out.mp4"

	var gotPath string
	var gotSize int64
	s := NewMP4Sink(path, func(p string, size int64) {
		gotPath = p
		gotSize = size
	}, nil)

	require.NoError(t, s.Start())
	require.NoError(t, s.Start()) // idempotent

	require.NoError(t, s.Close())
	require.Equal(t, path, gotPath)
	require.Equal(t, int64(0), gotSize)

	// Second close is a no-op and does not re-fire the callback.
	gotPath = ""
	require.NoError(t, s.Close())
	require.Equal(t, "", gotPath)
}

func TestMP4SinkWritesFragmentAfterKeyframe(t *testing.T) {
	path := t.TempDir() + "/out.mp4"

	var gotSize int64
	s := NewMP4Sink(path, func(_ string, size int64) { gotSize = size }, nil)
	require.NoError(t, s.Start())

	sps := []byte{
		0x67, 0x42, 0xc0, 0x1f, 0xd9, 0x00, 0x50, 0x05, 0xbb, 0x01, 0x6c,
		0x80, 0x00, 0x00, 0x03, 0x00, 0x80, 0x00, 0x00, 0x1e, 0x07, 0x8c,
		0x18, 0xcb,
	}
	pps := []byte{0x68, 0xcb, 0x83, 0xcb, 0x20}
	idr := append([]byte{0x65, 0x88, 0x84, 0x00}, make([]byte, 64)...)

	for i, nalu := range [][]byte{sps, pps} {
		require.NoError(t, s.WriteRTP(&rtp.Packet{
			Header:  rtp.Header{SequenceNumber: uint16(i), Timestamp: 3000},
			Payload: nalu,
		}))
	}
	require.NoError(t, s.WriteRTP(&rtp.Packet{
		Header:  rtp.Header{SequenceNumber: 2, Timestamp: 3000, Marker: true},
		Payload: idr,
	}))
	require.Equal(t, uint64(1), s.Frames())

	require.NoError(t, s.Close())
	require.Greater(t, gotSize, int64(0))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, gotSize, info.Size())
}

func TestMP4SinkDropsPreKeyframePackets(t *testing.T) {
	s := NewMP4Sink(t.TempDir()+"/out.mp4", nil, nil)
	require.NoError(t, s.Start())

	// Single-NALU P-frame packet before any keyframe.
	pkt := &rtp.Packet{
		Header:  rtp.Header{Timestamp: 1000, Marker: true},
		Payload: []byte{0x41, 0x9a, 0x00, 0x01},
	}
	require.NoError(t, s.WriteRTP(pkt))
	require.Equal(t, uint64(0), s.Frames())
	require.NoError(t, s.Close())
}

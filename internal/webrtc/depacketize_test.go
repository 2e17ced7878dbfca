package webrtc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stapA(nalus ...[]byte) []byte {
	out := []byte{0x18}
	for _, n := range nalus {
		out = append(out, byte(len(n)>>8), byte(len(n)))
		out = append(out, n...)
	}
	return out
}

// FU-A fragments of an IDR slice (type 5) with NRI=3.
var (
	fuStart = []byte{0x7C, 0x85, 0x01, 0x02}
	fuMid   = []byte{0x7C, 0x05, 0x03, 0x04}
	fuEnd   = []byte{0x7C, 0x45, 0x05, 0x06}
)

func TestDepacketize_SingleNAL(t *testing.T) {
	payload := []byte{0x65, 0x01, 0x02, 0x03}

	nalus := NewH264Depacketizer().Depacketize(100, payload)

	require.Len(t, nalus, 1)
	assert.Equal(t, payload, nalus[0])
}

func TestDepacketize_STAPA(t *testing.T) {
	sps := []byte{0x67, 0xAA, 0xBB}
	pps := []byte{0x68, 0xCC}

	nalus := NewH264Depacketizer().Depacketize(7, stapA(sps, pps))

	assert.Equal(t, [][]byte{sps, pps}, nalus)
}

func TestDepacketize_STAPAStopsOnZeroSizeOrTruncation(t *testing.T) {
	d := NewH264Depacketizer()

	assert.Empty(t, d.Depacketize(1, []byte{0x18, 0x00, 0x00}))

	truncated := append(stapA([]byte{0x67, 0x01}), 0x00, 0x09, 0x68)
	assert.Len(t, d.Depacketize(2, truncated), 1)
}

func TestDepacketize_FUAReassembly(t *testing.T) {
	d := NewH264Depacketizer()

	assert.Nil(t, d.Depacketize(100, fuStart))
	assert.Nil(t, d.Depacketize(101, fuMid))

	nalus := d.Depacketize(102, fuEnd)
	require.Len(t, nalus, 1)
	assert.Equal(t, []byte{0x65, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06}, nalus[0])
}

func TestDepacketize_FUAAcrossSequenceWrap(t *testing.T) {
	d := NewH264Depacketizer()

	assert.Nil(t, d.Depacketize(65535, fuStart))
	assert.Len(t, d.Depacketize(0, fuEnd), 1)
}

func TestDepacketize_FUADropsOnSequenceGap(t *testing.T) {
	d := NewH264Depacketizer()

	assert.Nil(t, d.Depacketize(100, fuStart))
	assert.Nil(t, d.Depacketize(102, fuMid), "gap discards the fragment")
	assert.Nil(t, d.Depacketize(103, fuEnd), "chain stays dropped until the next start")

	assert.Nil(t, d.Depacketize(104, fuStart))
	assert.Len(t, d.Depacketize(105, fuEnd), 1)
}

func TestDepacketize_EmptyPayload(t *testing.T) {
	d := NewH264Depacketizer()

	assert.Nil(t, d.Depacketize(0, nil))
	assert.Nil(t, d.Depacketize(1, []byte{}))
}

func TestDepacketize_InstanceIsolation(t *testing.T) {
	d1 := NewH264Depacketizer()
	d2 := NewH264Depacketizer()

	d1.Depacketize(100, fuStart)

	assert.Nil(t, d2.Depacketize(101, fuEnd), "orphan end fragment")
	assert.Len(t, d1.Depacketize(101, fuEnd), 1)
}

func TestDepacketize_CountsDroppedUnits(t *testing.T) {
	d := NewH264Depacketizer()

	d.Depacketize(1, fuStart)
	d.Depacketize(3, fuMid)
	d.Depacketize(4, fuStart)
	d.Depacketize(5, fuStart)

	assert.Equal(t, 2, d.Dropped())
}

func TestAppendAnnexB(t *testing.T) {
	d := NewH264Depacketizer()

	out := d.AppendAnnexB([]byte{0xFF}, 1, stapA([]byte{0x67, 0x01}, []byte{0x68, 0x02}))

	assert.Equal(t, []byte{0xFF, 0, 0, 0, 1, 0x67, 0x01, 0, 0, 0, 1, 0x68, 0x02}, out)
	assert.Empty(t, d.AppendAnnexB(nil, 2, []byte{0x7C, 0x85, 0x01}))
}

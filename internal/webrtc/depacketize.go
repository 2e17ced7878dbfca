package webrtc

// NAL unit types handled by the depacketizer (RFC 6184).
const (
	nalTypeMask  = 0x1f
	nalSTAPA     = 24
	nalFUA       = 28
	fuStartBit   = 0x80
	fuEndBit     = 0x40
	fnriMask     = 0xe0
	stapALenSize = 2
)

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// H264Depacketizer rebuilds NAL units from the RTP payloads of one track.
// Fragmented units survive sequence wrap-around; a lost packet drops the
// unit being assembled and everything up to the next start fragment.
type H264Depacketizer struct {
	pending  []byte
	assembly bool

	lastSeq uint16
	seen    bool
	dropped int
}

// NewH264Depacketizer creates a depacketizer for one track.
func NewH264Depacketizer() *H264Depacketizer {
	return &H264Depacketizer{}
}

// Dropped counts fragmented units discarded because of packet loss.
func (d *H264Depacketizer) Dropped() int { return d.dropped }

// Depacketize returns the complete NAL units carried by payload. Single NAL
// unit, STAP-A and FU-A packets are supported; other types yield nothing.
func (d *H264Depacketizer) Depacketize(seq uint16, payload []byte) [][]byte {
	lost := d.seen && seq != d.lastSeq+1
	d.lastSeq, d.seen = seq, true

	if len(payload) == 0 {
		return nil
	}
	switch t := payload[0] & nalTypeMask; {
	case t >= 1 && t < nalSTAPA:
		return [][]byte{payload}
	case t == nalSTAPA:
		return splitSTAPA(payload[1:])
	case t == nalFUA:
		if nalu := d.fragment(payload, lost); nalu != nil {
			return [][]byte{nalu}
		}
	}
	return nil
}

// AppendAnnexB appends the units of payload to dst, each behind a start code.
func (d *H264Depacketizer) AppendAnnexB(dst []byte, seq uint16, payload []byte) []byte {
	for _, nalu := range d.Depacketize(seq, payload) {
		dst = append(dst, annexBStartCode...)
		dst = append(dst, nalu...)
	}
	return dst
}

// splitSTAPA walks the length-prefixed units of an aggregation packet body.
// A zero length or one running past the payload ends the walk.
func splitSTAPA(body []byte) [][]byte {
	var units [][]byte
	for len(body) >= stapALenSize {
		n := int(body[0])<<8 | int(body[1])
		body = body[stapALenSize:]
		if n == 0 || n > len(body) {
			break
		}
		units = append(units, body[:n])
		body = body[n:]
	}
	return units
}

func (d *H264Depacketizer) fragment(payload []byte, lost bool) []byte {
	if len(payload) < 2 {
		return nil
	}
	indicator, header := payload[0], payload[1]

	if header&fuStartBit != 0 {
		if d.assembly {
			d.dropped++
		}
		// The unit header takes F and NRI from the indicator and the type from the FU header.
		d.pending = append(d.pending[:0], indicator&fnriMask|header&nalTypeMask)
		d.assembly = true
	} else if !d.assembly {
		return nil
	} else if lost {
		d.pending, d.assembly = d.pending[:0], false
		d.dropped++
		return nil
	}
	d.pending = append(d.pending, payload[2:]...)

	if header&fuEndBit == 0 {
		return nil
	}
	nalu := append([]byte(nil), d.pending...)
	d.pending, d.assembly = d.pending[:0], false
	return nalu
}

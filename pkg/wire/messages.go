package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	Magic uint32 = 0xABCDDCBA

	KindOffer   byte = 0x02
	KindRequest byte = 0x03
	KindPayload byte = 0x04

	// magic(4) + kind(1)
	prefixLen = 5

	OfferLen         = prefixLen + 2 + 2 // datagram_port(2) + stream_port(2)
	RequestLen       = prefixLen + 8     // requested_size(8)
	PayloadHeaderLen = prefixLen + 8 + 8 // total_segments(8) + segment_index(8)

	// MaxSegmentData caps the trailing data of a single Payload.
	MaxSegmentData = 1024
	MaxPayloadLen  = PayloadHeaderLen + MaxSegmentData
)

// ErrNotProtocol marks a datagram that does not belong to this protocol or is
// not the kind the caller expected. Receivers drop such datagrams.
var ErrNotProtocol = errors.New("not a bitrate message")

var errBufferTooSmall = errors.New("buffer too small")

type Offer struct {
	DatagramPort uint16
	StreamPort   uint16
}

type Request struct {
	RequestedSize uint64
}

type Payload struct {
	TotalSegments uint64
	SegmentIndex  uint64
	Data          []byte
}

func putPrefix(dst []byte, kind byte) {
	binary.BigEndian.PutUint32(dst[0:4], Magic)
	dst[4] = kind
}

func checkPrefix(src []byte, minLen int, kind byte) error {
	if len(src) < minLen {
		return fmt.Errorf("%w: need %d bytes, got %d", ErrNotProtocol, minLen, len(src))
	}
	if m := binary.BigEndian.Uint32(src[0:4]); m != Magic {
		return fmt.Errorf("%w: bad magic 0x%08x", ErrNotProtocol, m)
	}
	if src[4] != kind {
		return fmt.Errorf("%w: kind 0x%02x, want 0x%02x", ErrNotProtocol, src[4], kind)
	}
	return nil
}

// PeekKind reports the message kind of src when the magic matches.
func PeekKind(src []byte) (byte, bool) {
	if len(src) < prefixLen {
		return 0, false
	}
	if binary.BigEndian.Uint32(src[0:4]) != Magic {
		return 0, false
	}
	return src[4], true
}

func IsOffer(src []byte) bool {
	kind, ok := PeekKind(src)
	return ok && kind == KindOffer && len(src) >= OfferLen
}

func IsRequest(src []byte) bool {
	kind, ok := PeekKind(src)
	return ok && kind == KindRequest && len(src) >= RequestLen
}

func IsPayload(src []byte) bool {
	kind, ok := PeekKind(src)
	return ok && kind == KindPayload && len(src) >= PayloadHeaderLen && len(src) <= MaxPayloadLen
}

func (o *Offer) Encode(dst []byte) (int, error) {
	if len(dst) < OfferLen {
		return 0, errBufferTooSmall
	}
	putPrefix(dst, KindOffer)
	binary.BigEndian.PutUint16(dst[5:7], o.DatagramPort)
	binary.BigEndian.PutUint16(dst[7:9], o.StreamPort)
	return OfferLen, nil
}

func (o *Offer) Decode(src []byte) error {
	if err := checkPrefix(src, OfferLen, KindOffer); err != nil {
		return err
	}
	o.DatagramPort = binary.BigEndian.Uint16(src[5:7])
	o.StreamPort = binary.BigEndian.Uint16(src[7:9])
	return nil
}

func (o *Offer) Marshal() []byte {
	b := make([]byte, OfferLen)
	_, _ = o.Encode(b)
	return b
}

func (r *Request) Encode(dst []byte) (int, error) {
	if len(dst) < RequestLen {
		return 0, errBufferTooSmall
	}
	putPrefix(dst, KindRequest)
	binary.BigEndian.PutUint64(dst[5:13], r.RequestedSize)
	return RequestLen, nil
}

// Decode accepts any size, including zero; the serving side decides what a
// usable request is.
func (r *Request) Decode(src []byte) error {
	if err := checkPrefix(src, RequestLen, KindRequest); err != nil {
		return err
	}
	r.RequestedSize = binary.BigEndian.Uint64(src[5:13])
	return nil
}

func (r *Request) Marshal() []byte {
	b := make([]byte, RequestLen)
	_, _ = r.Encode(b)
	return b
}

func (p *Payload) Encode(dst []byte) (int, error) {
	if len(p.Data) > MaxSegmentData {
		return 0, fmt.Errorf("segment data %d exceeds %d bytes", len(p.Data), MaxSegmentData)
	}
	need := PayloadHeaderLen + len(p.Data)
	if len(dst) < need {
		return 0, errBufferTooSmall
	}
	putPrefix(dst, KindPayload)
	binary.BigEndian.PutUint64(dst[5:13], p.TotalSegments)
	binary.BigEndian.PutUint64(dst[13:21], p.SegmentIndex)
	copy(dst[PayloadHeaderLen:need], p.Data)
	return need, nil
}

// Decode aliases src for Data; copy it if src is reused.
func (p *Payload) Decode(src []byte) error {
	if err := checkPrefix(src, PayloadHeaderLen, KindPayload); err != nil {
		return err
	}
	if len(src) > MaxPayloadLen {
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrNotProtocol, len(src), MaxPayloadLen)
	}
	p.TotalSegments = binary.BigEndian.Uint64(src[5:13])
	p.SegmentIndex = binary.BigEndian.Uint64(src[13:21])
	p.Data = src[PayloadHeaderLen:]
	return nil
}

func (p *Payload) Marshal() ([]byte, error) {
	b := make([]byte, PayloadHeaderLen+len(p.Data))
	if _, err := p.Encode(b); err != nil {
		return nil, err
	}
	return b, nil
}

// SegmentCount is ceil(size / MaxSegmentData).
func SegmentCount(size uint64) uint64 {
	if size == 0 {
		return 0
	}
	return (size-1)/MaxSegmentData + 1
}

// SegmentLen is the data length carried by segment index of a transfer of
// size bytes, or 0 when index is past the end.
func SegmentLen(size, index uint64) int {
	off := index * MaxSegmentData
	if index >= SegmentCount(size) || off >= size {
		return 0
	}
	if rem := size - off; rem < MaxSegmentData {
		return int(rem)
	}
	return MaxSegmentData
}

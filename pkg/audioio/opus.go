package audioio

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// maxOpusFrameSamples is the largest opus frame (120ms at 48kHz, mono).
const maxOpusFrameSamples = 5760

// OpusDecoder decodes opus-encoded audio frames to PCM16 mono samples.
// Clients that cannot ship raw PCM negotiate opus on the ingest socket;
// the decoder is per-connection state and is not safe for concurrent use.
type OpusDecoder struct {
	dec        *opus.Decoder
	sampleRate int
	buf        []int16
}

// NewOpusDecoder creates a decoder producing mono PCM at the given rate.
func NewOpusDecoder(sampleRate int) (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("audioio: create opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec:        dec,
		sampleRate: sampleRate,
		buf:        make([]int16, maxOpusFrameSamples),
	}, nil
}

// Decode converts one opus packet to raw PCM16 little-endian bytes.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	n, err := d.dec.Decode(packet, d.buf)
	if err != nil {
		return nil, fmt.Errorf("audioio: opus decode: %w", err)
	}
	return SamplesToBytes(d.buf[:n]), nil
}

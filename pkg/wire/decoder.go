package wire

import (
	"strings"

	"github.com/perigee-io/ble-link/pkg/util"
)

const (
	// Terminator marks end-of-frame on the wire
	Terminator = '>'
	// StreamOpen and StreamClose delimit the alternate stream grammar (see EncodeStream)
	StreamOpen  = '>'
	StreamClose = '<'
)

// Decoder reassembles terminator-delimited frames from an arbitrarily chunked
// byte stream. Chunk boundaries carry no meaning; the same decoder is used on
// both ends of the link.
type Decoder struct {
	buf []byte
}

func NewDecoder() *Decoder {
	return &Decoder{buf: make([]byte, 0, util.MaxFrameSize)}
}

// Feed consumes one chunk and returns the payloads of every frame it completes.
// CR and LF are tolerated around frames and discarded. A buffer that grows past
// MaxFrameSize without seeing a terminator is dropped whole; the stream is
// assumed desynced and that frame is lost.
func (d *Decoder) Feed(chunk []byte) []string {
	var frames []string
	for _, b := range chunk {
		switch b {
		case '\r', '\n':
		case Terminator:
			payload := strings.TrimSpace(string(d.buf))
			if payload != "" {
				frames = append(frames, payload)
			}
			d.buf = d.buf[:0]
		default:
			d.buf = append(d.buf, b)
			if len(d.buf) > util.MaxFrameSize {
				d.buf = d.buf[:0]
			}
		}
	}
	return frames
}

// Pending returns the number of buffered bytes still awaiting a terminator.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

// Reset drops any partially assembled frame. Called on disconnect so a new
// session never starts from stale bytes.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}

package protocol

// Decoder reassembles frames from arbitrarily split chunks of a byte stream.
//
// It is the incremental form of ReadFrame for callers that cannot block: feed whatever
// bytes arrived, ask Need how many more the current stage wants, and collect the payload
// once the frame is complete. A Decoder is not safe for concurrent use.
type Decoder struct {
	maxSize int

	prefix     [LengthSize]byte
	prefixRead int

	expected int // -1 until the prefix is complete
	payload  []byte
	read     int
}

// NewDecoder returns a Decoder enforcing maxSize (zero or negative disables the check).
func NewDecoder(maxSize int) *Decoder {
	d := &Decoder{maxSize: maxSize}
	d.Reset()
	return d
}

// Reset discards any partially accumulated frame.
func (d *Decoder) Reset() {
	d.prefixRead = 0
	d.expected = -1
	d.payload = nil
	d.read = 0
}

// Need reports how many bytes complete the current stage: the rest of the length prefix
// while it is incomplete, otherwise the rest of the payload.
func (d *Decoder) Need() int {
	if d.expected < 0 {
		return LengthSize - d.prefixRead
	}
	return d.expected - d.read
}

// Expected returns the declared payload length, or -1 while the prefix is incomplete.
func (d *Decoder) Expected() int { return d.expected }

// Buffered returns how many bytes of the current frame have been accumulated.
func (d *Decoder) Buffered() int {
	if d.expected < 0 {
		return d.prefixRead
	}
	return LengthSize + d.read
}

// Feed consumes bytes from p up to the end of the current frame.
//
// It returns the number of bytes consumed and, when the frame completed, its payload.
// Bytes after the end of a completed frame are left unconsumed so the caller can feed
// them again for the next frame. After an error the Decoder must be Reset.
func (d *Decoder) Feed(p []byte) (n int, msg []byte, err error) {
	if d.expected < 0 {
		c := copy(d.prefix[d.prefixRead:], p)
		d.prefixRead += c
		n += c
		if d.prefixRead < LengthSize {
			return n, nil, nil
		}
		length, err := checkLength(d.prefix[:], d.maxSize)
		if err != nil {
			return n, nil, err
		}
		d.expected = length
		d.payload = make([]byte, length)
		p = p[c:]
	}

	c := copy(d.payload[d.read:], p)
	d.read += c
	n += c
	if d.read < d.expected {
		return n, nil, nil
	}

	msg = d.payload
	d.Reset()
	return n, msg, nil
}

package protocol

import "bytes"

// Decoder splits a raw agent stdout stream into frames. Chunk boundaries
// are arbitrary: a chunk may hold several frames, part of one, or nothing.
// The unterminated tail is buffered until its newline arrives.
//
// Buffering happens on bytes, so a chunk that ends inside a multi-byte
// UTF-8 sequence is reassembled before any text is interpreted.
type Decoder struct {
	buf []byte
}

// Feed appends chunk to the buffer and decodes every complete frame, in
// arrival order. On the first undecodable frame it returns the frames
// decoded before it together with a protocol error; the session is
// expected to abort.
func (d *Decoder) Feed(chunk []byte) ([]Response, error) {
	if len(chunk) == 0 {
		return nil, nil
	}
	d.buf = append(d.buf, chunk...)

	var out []Response
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		frame := d.buf[:i]
		resp, err := DecodeResponse(frame)
		if err != nil {
			d.buf = d.buf[i+1:]
			return out, err
		}
		out = append(out, resp)
		d.buf = d.buf[i+1:]
	}

	// Compact so a long-lived decoder does not pin consumed frames.
	if len(d.buf) == 0 {
		d.buf = nil
	} else if cap(d.buf) > 2*len(d.buf)+4096 {
		d.buf = append([]byte(nil), d.buf...)
	}
	return out, nil
}

// Pending returns the buffered bytes of the unterminated trailing frame.
func (d *Decoder) Pending() []byte {
	return d.buf
}

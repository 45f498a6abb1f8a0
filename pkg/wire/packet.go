package wire

// Packet is a fully decoded header plus its still-encoded body. Handlers
// that need to hold onto a packet across a suspension point (queued
// deferred event, in-flight state) keep this value, which owns its body
// buffer independently of the connection's read buffer.
type Packet struct {
	Header Header
	Body   []byte
}

// Encode produces the full wire representation of a packet: header
// followed by the already-padded body. Length is computed and written
// into the header as part of encoding.
func Encode(h Header, body []byte) []byte {
	h.Magic = Magic
	h.Version = Version
	h.Length = uint32(HeaderLen + len(body))
	buf := make([]byte, 0, h.Length)
	buf = h.Encode(buf)
	buf = append(buf, body...)
	return buf
}

// Decode splits a complete packet buffer (as delivered by pkg/queue) into
// its header and body.
func Decode(buf []byte) (Packet, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return Packet{}, err
	}
	if int(h.Length) > len(buf) {
		return Packet{}, ErrTruncatedBody
	}
	body := clone(buf[HeaderLen:h.Length])
	return Packet{Header: h, Body: body}, nil
}

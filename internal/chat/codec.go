package chat

import (
	"bufio"
	"encoding/binary"
	"io"
	"time"
	"unicode/utf8"
)

// Wire layout constants (§6, bit-exact):
//
//	[u32 length][u64 id][u64 epoch_micros][u8 variant_tag][variant_payload]
//
// length counts the bytes after itself.
const (
	frameHeaderLen = 4 + 8 + 8 + 1 // length + id + epoch + tag
	lengthPrefix   = 4
)

// EncodeFrame assembles one complete wire frame. The header fields come from
// the id, ts and tag arguments; payload is the already-encoded,
// possibly-encrypted variant payload (see Session.writeLoop for how
// CipherText payloads are produced).
func EncodeFrame(id uint64, ts time.Time, tag Tag, payload []byte) []byte {
	body := make([]byte, 8+8+1+len(payload))
	binary.BigEndian.PutUint64(body[0:8], id)
	binary.BigEndian.PutUint64(body[8:16], uint64(ts.UnixMicro()))
	body[16] = byte(tag)
	copy(body[17:], payload)

	out := make([]byte, lengthPrefix+len(body))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(body)))
	copy(out[4:], body)
	return out
}

// frameHeader is the parsed fixed portion of a frame, before its
// variant-specific payload.
type frameHeader struct {
	ID  uint64
	TS  time.Time
	Tag Tag
}

// ReadFrame reads one frame from r. idgen supplies a fresh id for the
// legacy plaintext fallback, which has no id of its own on the wire.
// bufLimit bounds the maximum payload length accepted, per read_buffer_bytes
// (§5 "Resource bounds": the read buffer size is configured but never grown
// beyond the frame length prefix).
func ReadFrame(r *bufio.Reader, idgen *idGenerator, bufLimit uint32) (frameHeader, []byte, error) {
	lenBytes, err := r.Peek(lengthPrefix)
	if err != nil {
		if err == io.EOF || err == bufio.ErrBufferFull {
			return frameHeader{}, nil, err
		}
		return frameHeader{}, nil, err
	}

	length := binary.BigEndian.Uint32(lenBytes)
	if length > bufLimit {
		if isPrintableUTF8(lenBytes) {
			return readLegacyText(r, idgen)
		}
		return frameHeader{}, nil, &MalformedFrame{Length: length, Limit: bufLimit}
	}

	if _, err := r.Discard(lengthPrefix); err != nil {
		return frameHeader{}, nil, err
	}
	if length < 8+8+1 {
		return frameHeader{}, nil, &MalformedFrame{Length: length, Limit: bufLimit}
	}

	body := make([]byte, length)
	if n, err := io.ReadFull(r, body); err != nil {
		return frameHeader{}, nil, &TruncatedPayload{Want: int(length), Got: n}
	}

	hdr := frameHeader{
		ID:  binary.BigEndian.Uint64(body[0:8]),
		TS:  time.UnixMicro(int64(binary.BigEndian.Uint64(body[8:16]))),
		Tag: Tag(body[16]),
	}
	if !validTag(hdr.Tag) {
		return frameHeader{}, nil, &UnknownVariant{Tag: byte(hdr.Tag)}
	}
	return hdr, body[17:], nil
}

// isPrintableUTF8 implements the legacy-detection rule of SPEC_FULL.md §4.1:
// a length prefix that overflows the configured buffer bound is treated as
// legacy plaintext only if its raw bytes are themselves printable UTF-8
// (i.e. could plausibly be the start of a text line rather than a length).
func isPrintableUTF8(b []byte) bool {
	if !utf8.Valid(b) {
		return false
	}
	for _, r := range string(b) {
		if r < 0x20 && r != '\t' {
			return false
		}
	}
	return true
}

func validTag(t Tag) bool {
	switch t {
	case TagText, TagCipherText, TagFile, TagCommand, TagStatus, TagHeartbeat, TagAck, TagHandshake:
		return true
	default:
		return false
	}
}

// readLegacyText implements §6's "Legacy text fallback": the reader treats
// input up to the next newline as a Text frame with a fresh local id.
func readLegacyText(r *bufio.Reader, idgen *idGenerator) (frameHeader, []byte, error) {
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return frameHeader{}, nil, err
	}
	line = trimNewline(line)
	hdr := frameHeader{ID: idgen.next(), TS: time.Now(), Tag: TagText}
	return hdr, []byte(line), nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// EncodePayload encodes the variant-specific payload of msg, not including
// the frame header. CipherText payloads are assembled by the session layer
// (see session.go) since they depend on the crypto core; EncodePayload does
// not handle TagCipherText.
func EncodePayload(msg *Message) ([]byte, error) {
	switch msg.Tag {
	case TagText:
		return encodeString(msg.Text), nil
	case TagFile:
		return encodeFile(msg.FilePart), nil
	case TagCommand:
		return encodeCommand(msg.Cmd), nil
	case TagStatus:
		return encodeStatus(msg.Stat), nil
	case TagHeartbeat:
		return []byte{}, nil
	case TagAck:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, msg.AckTarget)
		return buf, nil
	case TagHandshake:
		return encodeHandshake(msg.HS), nil
	default:
		return nil, &UnknownVariant{Tag: byte(msg.Tag)}
	}
}

// DecodePayload decodes the variant-specific payload for a frame already
// known to carry tag, producing the logical Message. TagCipherText payloads
// must be decrypted by the caller first and re-dispatched through
// DecodePayload with the inner tag recovered from the decrypted bytes (see
// session.go's readLoop).
func DecodePayload(hdr frameHeader, payload []byte) (Message, error) {
	msg := Message{ID: hdr.ID, Timestamp: hdr.TS, Tag: hdr.Tag}
	switch hdr.Tag {
	case TagText:
		s, _, err := decodeString(payload)
		if err != nil {
			return Message{}, err
		}
		msg.Text = s
	case TagFile:
		f, err := decodeFile(payload)
		if err != nil {
			return Message{}, err
		}
		msg.FilePart = f
	case TagCommand:
		c, err := decodeCommand(payload)
		if err != nil {
			return Message{}, err
		}
		msg.Cmd = c
	case TagStatus:
		s, err := decodeStatus(payload)
		if err != nil {
			return Message{}, err
		}
		msg.Stat = s
	case TagHeartbeat:
		// no payload
	case TagAck:
		if len(payload) < 8 {
			return Message{}, &TruncatedPayload{Want: 8, Got: len(payload)}
		}
		msg.AckTarget = binary.BigEndian.Uint64(payload[0:8])
	case TagHandshake:
		hs, err := decodeHandshake(payload)
		if err != nil {
			return Message{}, err
		}
		msg.HS = hs
	case TagCipherText:
		msg.Cipher = append([]byte(nil), payload...)
	default:
		return Message{}, &UnknownVariant{Tag: byte(hdr.Tag)}
	}
	return msg, nil
}

// --- primitive helpers: length-prefixed UTF-8 strings and opaque blobs ---

func encodeString(s string) []byte {
	buf := make([]byte, 4+len(s))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(s)))
	copy(buf[4:], s)
	return buf
}

func decodeString(b []byte) (string, []byte, error) {
	if len(b) < 4 {
		return "", nil, &TruncatedPayload{Want: 4, Got: len(b)}
	}
	n := binary.BigEndian.Uint32(b[0:4])
	if uint32(len(b)-4) < n {
		return "", nil, &TruncatedPayload{Want: int(n), Got: len(b) - 4}
	}
	return string(b[4 : 4+n]), b[4+n:], nil
}

func encodeBlob(b []byte) []byte {
	buf := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(b)))
	copy(buf[4:], b)
	return buf
}

func decodeBlob(b []byte) ([]byte, []byte, error) {
	if len(b) < 4 {
		return nil, nil, &TruncatedPayload{Want: 4, Got: len(b)}
	}
	n := binary.BigEndian.Uint32(b[0:4])
	if uint32(len(b)-4) < n {
		return nil, nil, &TruncatedPayload{Want: int(n), Got: len(b) - 4}
	}
	return b[4 : 4+n], b[4+n:], nil
}

// --- File ---

func encodeFile(f *File) []byte {
	var out []byte
	out = append(out, encodeString(f.Name)...)
	sz := make([]byte, 8)
	binary.BigEndian.PutUint64(sz, f.Size)
	out = append(out, sz...)
	out = append(out, f.ContentHash[:]...)
	out = append(out, encodeBlob(f.Bytes)...)
	return out
}

func decodeFile(b []byte) (*File, error) {
	name, rest, err := decodeString(b)
	if err != nil {
		return nil, err
	}
	if len(rest) < 8+32 {
		return nil, &TruncatedPayload{Want: 8 + 32, Got: len(rest)}
	}
	size := binary.BigEndian.Uint64(rest[0:8])
	var hash [32]byte
	copy(hash[:], rest[8:40])
	data, _, err := decodeBlob(rest[40:])
	if err != nil {
		return nil, err
	}
	return &File{Name: name, Size: size, ContentHash: hash, Bytes: data}, nil
}

// --- Command ---

func encodeCommand(c *Command) []byte {
	out := []byte{byte(c.Variant)}
	switch c.Variant {
	case CommandSendFile:
		out = append(out, encodeString(c.Path)...)
	case CommandSetNickname:
		out = append(out, encodeString(c.Arg)...)
	}
	return out
}

func decodeCommand(b []byte) (*Command, error) {
	if len(b) < 1 {
		return nil, &TruncatedPayload{Want: 1, Got: 0}
	}
	c := &Command{Variant: CommandVariant(b[0])}
	rest := b[1:]
	switch c.Variant {
	case CommandSendFile:
		s, _, err := decodeString(rest)
		if err != nil {
			return nil, err
		}
		c.Path = s
	case CommandSetNickname:
		s, _, err := decodeString(rest)
		if err != nil {
			return nil, err
		}
		c.Arg = s
	}
	return c, nil
}

// --- Status ---

func encodeStatus(s *Status) []byte {
	out := []byte{byte(s.Kind)}
	out = append(out, encodeString(s.Detail)...)
	return out
}

func decodeStatus(b []byte) (*Status, error) {
	if len(b) < 1 {
		return nil, &TruncatedPayload{Want: 1, Got: 0}
	}
	detail, _, err := decodeString(b[1:])
	if err != nil {
		return nil, err
	}
	return &Status{Kind: StatusKind(b[0]), Detail: detail}, nil
}

// --- Handshake ---

func encodeHandshake(hs *Handshake) []byte {
	out := []byte{byte(hs.Sub)}
	switch hs.Sub {
	case HandshakePublicKey:
		out = append(out, encodeBlob(hs.IdentityKey)...)
		out = append(out, encodeBlob(hs.EphemeralKey)...)
		out = append(out, encodeBlob(hs.Signature)...)
		if hs.ClaimedDialer {
			out = append(out, 1)
		} else {
			out = append(out, 0)
		}
	case HandshakeKeyConfirmed:
		out = append(out, encodeBlob(hs.SealedKey)...)
	case HandshakeEncryptionReady, HandshakeNotSupported:
		// no payload
	}
	return out
}

func decodeHandshake(b []byte) (*Handshake, error) {
	if len(b) < 1 {
		return nil, &TruncatedPayload{Want: 1, Got: 0}
	}
	hs := &Handshake{Sub: HandshakeSub(b[0])}
	rest := b[1:]
	switch hs.Sub {
	case HandshakePublicKey:
		idk, rest2, err := decodeBlob(rest)
		if err != nil {
			return nil, err
		}
		ephk, rest3, err := decodeBlob(rest2)
		if err != nil {
			return nil, err
		}
		sig, rest4, err := decodeBlob(rest3)
		if err != nil {
			return nil, err
		}
		hs.IdentityKey = idk
		hs.EphemeralKey = ephk
		hs.Signature = sig
		if len(rest4) >= 1 {
			hs.ClaimedDialer = rest4[0] != 0
		}
	case HandshakeKeyConfirmed:
		sealed, _, err := decodeBlob(rest)
		if err != nil {
			return nil, err
		}
		hs.SealedKey = sealed
	case HandshakeEncryptionReady, HandshakeNotSupported:
		// no payload
	default:
		return nil, &UnknownVariant{Tag: byte(hs.Sub)}
	}
	return hs, nil
}

// --- CipherText outer payload: [12-byte nonce][u32 cipher_len][cipher bytes] ---

const cipherNonceSize = 12

func encodeCipherPayload(nonce, ciphertext []byte) []byte {
	out := make([]byte, cipherNonceSize+4+len(ciphertext))
	copy(out, nonce)
	binary.BigEndian.PutUint32(out[cipherNonceSize:cipherNonceSize+4], uint32(len(ciphertext)))
	copy(out[cipherNonceSize+4:], ciphertext)
	return out
}

func decodeCipherPayload(b []byte) (nonce, ciphertext []byte, err error) {
	if len(b) < cipherNonceSize+4 {
		return nil, nil, &TruncatedPayload{Want: cipherNonceSize + 4, Got: len(b)}
	}
	nonce = b[:cipherNonceSize]
	n := binary.BigEndian.Uint32(b[cipherNonceSize : cipherNonceSize+4])
	rest := b[cipherNonceSize+4:]
	if uint32(len(rest)) < n {
		return nil, nil, &TruncatedPayload{Want: int(n), Got: len(rest)}
	}
	return nonce, rest[:n], nil
}

// associatedData builds the AEAD associated data for an application payload:
// the outer frame header id || epoch_micros || tag (§6).
func associatedData(id uint64, ts time.Time, tag Tag) []byte {
	ad := make([]byte, 8+8+1)
	binary.BigEndian.PutUint64(ad[0:8], id)
	binary.BigEndian.PutUint64(ad[8:16], uint64(ts.UnixMicro()))
	ad[16] = byte(tag)
	return ad
}

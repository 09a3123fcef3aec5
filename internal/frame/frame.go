// Package frame implements the wire-framed multiplexing protocol that
// carries logical virtual streams over one tunnel connection
// (spec.md §3, §4.1).
//
// Wire layout, fixed 8-byte header followed by a payload:
//
//	length   uint24 BE  total bytes of this frame, header included
//	kind     uint8      Data=0 Create=1 Close=2 Mapping=3 Token=4
//	flag     uint8      bitfield: ACK=1 CREATE=2 CLOSE=4 DATA=8
//	sock_map uint24 BE  logical stream id; 0 is a control frame
//
// length counts the whole frame (the 3 length bytes themselves plus
// the 5 remaining header bytes plus the payload), so a frame's total
// size on the wire is exactly its own length field and the codec
// needs no further arithmetic to know how many bytes to buffer.
package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/paulguzu/edgefabric/internal/edgeerr"
)

// Kind identifies a frame's payload schema.
type Kind uint8

const (
	KindData    Kind = 0
	KindCreate  Kind = 1
	KindClose   Kind = 2
	KindMapping Kind = 3
	KindToken   Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindCreate:
		return "create"
	case KindClose:
		return "close"
	case KindMapping:
		return "mapping"
	case KindToken:
		return "token"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Flag is the frame header bitfield.
type Flag uint8

const (
	FlagACK    Flag = 1 << 0
	FlagCreate Flag = 1 << 1
	FlagClose  Flag = 1 << 2
	FlagData   Flag = 1 << 3
)

func (f Flag) IsACK() bool    { return f&FlagACK != 0 }
func (f Flag) IsCreate() bool { return f&FlagCreate != 0 }
func (f Flag) IsClose() bool  { return f&FlagClose != 0 }
func (f Flag) IsData() bool   { return f&FlagData != 0 }

// WithACK returns f with the ACK bit set, matching the peer's
// acknowledgement convention used when replying to a control frame.
func (f Flag) WithACK() Flag { return f | FlagACK }

const (
	// HeaderBytes is the fixed header size: length(3)+kind(1)+flag(1)+sock_map(3).
	HeaderBytes = 8
	// MaxShortString is the maximum byte length of a short-string field.
	MaxShortString = 255
	// MaxSockMap is the largest representable sock_map id (24-bit).
	MaxSockMap = 1<<24 - 1
	// MaxFrameLen is the largest representable length field (24-bit).
	MaxFrameLen = 1<<24 - 1
)

// Frame is a single decoded wire frame.
type Frame struct {
	Kind    Kind
	Flag    Flag
	SockMap uint32
	Payload []byte
}

// CreatePayload is the parsed body of a Create frame.
type CreatePayload struct {
	Mode   uint8
	Domain string
}

// ClosePayload is the parsed body of a Close frame.
type ClosePayload struct {
	Reason string
}

// MappingEntry is one record inside a Mapping frame.
type MappingEntry struct {
	Name   string
	Mode   string
	Domain string
}

// MappingPayload is the parsed body of a Mapping frame.
type MappingPayload struct {
	Entries []MappingEntry
}

// TokenPayload is the parsed body of a Token frame.
type TokenPayload struct {
	Username string
	Password string
}

func putU24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func getU24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// Decode consumes exactly one full frame from buf if buf holds enough
// bytes, returning the frame and the number of bytes consumed. It
// returns (nil, 0, nil) when more bytes are needed — callers should
// read more and retry, never treating this as an error (spec.md §7
// TooShort). It returns a non-nil error only on a structural
// violation (a sub-field that would overrun the declared length).
func Decode(buf []byte) (*Frame, int, error) {
	if len(buf) < HeaderBytes {
		return nil, 0, nil
	}
	length := getU24(buf[0:3])
	if length < HeaderBytes {
		return nil, 0, fmt.Errorf("frame: length %d shorter than header: %w", length, edgeerr.ErrProtocol)
	}
	if length > MaxFrameLen {
		return nil, 0, fmt.Errorf("frame: length %d exceeds max: %w", length, edgeerr.ErrProtocol)
	}
	if uint32(len(buf)) < length {
		return nil, 0, nil
	}

	kind := Kind(buf[3])
	flag := Flag(buf[4])
	sockMap := getU24(buf[5:8])
	payload := buf[HeaderBytes:length]

	// Copy the payload out so callers are free to reuse/advance buf.
	out := make([]byte, len(payload))
	copy(out, payload)

	return &Frame{Kind: kind, Flag: flag, SockMap: sockMap, Payload: out}, int(length), nil
}

// Encode appends the wire encoding of a raw Frame to out.
func Encode(out []byte, f *Frame) ([]byte, error) {
	if f.SockMap > MaxSockMap {
		return nil, fmt.Errorf("frame: sock_map %d exceeds 24 bits: %w", f.SockMap, edgeerr.ErrTooLong)
	}
	total := HeaderBytes + len(f.Payload)
	if total > MaxFrameLen {
		return nil, fmt.Errorf("frame: payload too large: %w", edgeerr.ErrTooLong)
	}
	header := make([]byte, HeaderBytes)
	putU24(header[0:3], uint32(total))
	header[3] = byte(f.Kind)
	header[4] = byte(f.Flag)
	putU24(header[5:8], f.SockMap)
	out = append(out, header...)
	out = append(out, f.Payload...)
	return out, nil
}

func readShortString(buf []byte) (string, []byte, error) {
	if len(buf) < 1 {
		return "", nil, fmt.Errorf("frame: short-string length missing: %w", edgeerr.ErrShortFrame)
	}
	n := int(buf[0])
	buf = buf[1:]
	if len(buf) < n {
		return "", nil, fmt.Errorf("frame: short-string body truncated: %w", edgeerr.ErrShortFrame)
	}
	return string(buf[:n]), buf[n:], nil
}

func writeShortString(out []byte, s string) ([]byte, error) {
	if len(s) > MaxShortString {
		return nil, fmt.Errorf("frame: string %q exceeds 255 bytes: %w", s, edgeerr.ErrTooLong)
	}
	out = append(out, byte(len(s)))
	out = append(out, s...)
	return out, nil
}

// EncodeCreate builds a Create frame for sockMap.
func EncodeCreate(sockMap uint32, p CreatePayload) (*Frame, error) {
	payload := []byte{p.Mode}
	var err error
	if p.Domain != "" {
		payload, err = writeShortString(payload, p.Domain)
		if err != nil {
			return nil, err
		}
	}
	return &Frame{Kind: KindCreate, Flag: FlagCreate, SockMap: sockMap, Payload: payload}, nil
}

// DecodeCreate parses a Create frame's payload.
func DecodeCreate(f *Frame) (CreatePayload, error) {
	if len(f.Payload) < 1 {
		return CreatePayload{}, fmt.Errorf("frame: create missing mode: %w", edgeerr.ErrShortFrame)
	}
	mode := f.Payload[0]
	rest := f.Payload[1:]
	domain := ""
	if len(rest) > 0 {
		var err error
		domain, _, err = readShortString(rest)
		if err != nil {
			return CreatePayload{}, err
		}
	}
	return CreatePayload{Mode: mode, Domain: domain}, nil
}

// EncodeClose builds a Close frame for sockMap (0 terminates the
// whole tunnel, spec.md §3 Invariants).
func EncodeClose(sockMap uint32, reason string) (*Frame, error) {
	payload, err := writeShortString(nil, reason)
	if err != nil {
		return nil, err
	}
	return &Frame{Kind: KindClose, Flag: FlagClose, SockMap: sockMap, Payload: payload}, nil
}

// DecodeClose parses a Close frame's payload.
func DecodeClose(f *Frame) (ClosePayload, error) {
	reason, _, err := readShortString(f.Payload)
	if err != nil {
		return ClosePayload{}, err
	}
	return ClosePayload{Reason: reason}, nil
}

// EncodeData builds a Data frame carrying payload bytes for sockMap.
func EncodeData(sockMap uint32, payload []byte) *Frame {
	return &Frame{Kind: KindData, Flag: FlagData, SockMap: sockMap, Payload: payload}
}

// EncodeMapping builds a Mapping frame (sock_map is always 0; it is a
// control frame).
func EncodeMapping(entries []MappingEntry) (*Frame, error) {
	if len(entries) > 1<<16-1 {
		return nil, fmt.Errorf("frame: too many mapping entries: %w", edgeerr.ErrTooLong)
	}
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, uint16(len(entries)))
	var err error
	for _, e := range entries {
		payload, err = writeShortString(payload, e.Name)
		if err != nil {
			return nil, err
		}
		payload, err = writeShortString(payload, e.Mode)
		if err != nil {
			return nil, err
		}
		payload, err = writeShortString(payload, e.Domain)
		if err != nil {
			return nil, err
		}
	}
	return &Frame{Kind: KindMapping, Flag: 0, SockMap: 0, Payload: payload}, nil
}

// DecodeMapping parses a Mapping frame's payload.
func DecodeMapping(f *Frame) (MappingPayload, error) {
	buf := f.Payload
	if len(buf) < 2 {
		return MappingPayload{}, fmt.Errorf("frame: mapping missing count: %w", edgeerr.ErrShortFrame)
	}
	count := binary.BigEndian.Uint16(buf[0:2])
	buf = buf[2:]
	entries := make([]MappingEntry, 0, count)
	for i := 0; i < int(count); i++ {
		var name, mode, domain string
		var err error
		if name, buf, err = readShortString(buf); err != nil {
			return MappingPayload{}, err
		}
		if mode, buf, err = readShortString(buf); err != nil {
			return MappingPayload{}, err
		}
		if domain, buf, err = readShortString(buf); err != nil {
			return MappingPayload{}, err
		}
		entries = append(entries, MappingEntry{Name: name, Mode: mode, Domain: domain})
	}
	return MappingPayload{Entries: entries}, nil
}

// EncodeToken builds a Token frame (sock_map is always 0).
func EncodeToken(username, password string) (*Frame, error) {
	payload, err := writeShortString(nil, username)
	if err != nil {
		return nil, err
	}
	payload, err = writeShortString(payload, password)
	if err != nil {
		return nil, err
	}
	return &Frame{Kind: KindToken, Flag: 0, SockMap: 0, Payload: payload}, nil
}

// DecodeToken parses a Token frame's payload.
func DecodeToken(f *Frame) (TokenPayload, error) {
	username, rest, err := readShortString(f.Payload)
	if err != nil {
		return TokenPayload{}, err
	}
	password, _, err := readShortString(rest)
	if err != nil {
		return TokenPayload{}, err
	}
	return TokenPayload{Username: username, Password: password}, nil
}

package frame

import (
	"bytes"
	"testing"
)

func TestRoundTripAllKinds(t *testing.T) {
	cases := []*Frame{
		mustCreate(t, 1, CreatePayload{Mode: 2, Domain: "soft.example.invalid"}),
		mustCreate(t, 3, CreatePayload{Mode: 0}),
		mustClose(t, 0, "server shutting down"),
		{Kind: KindData, Flag: FlagData, SockMap: 7, Payload: []byte("hello world")},
		mustMapping(t, []MappingEntry{
			{Name: "web", Mode: "http", Domain: "soft.example.invalid"},
			{Name: "raw", Mode: "tcp", Domain: ""},
		}),
		mustToken(t, "u", "p"),
	}

	for _, f := range cases {
		buf, err := Encode(nil, f)
		if err != nil {
			t.Fatalf("encode %v: %v", f.Kind, err)
		}
		got, n, err := Decode(buf)
		if err != nil {
			t.Fatalf("decode %v: %v", f.Kind, err)
		}
		if got == nil {
			t.Fatalf("decode %v: got nil frame, wanted one", f.Kind)
		}
		if n != len(buf) {
			t.Fatalf("decode %v: consumed %d, want %d", f.Kind, n, len(buf))
		}
		if got.Kind != f.Kind || got.SockMap != f.SockMap || !bytes.Equal(got.Payload, f.Payload) {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, f)
		}
	}
}

func TestFramingInvariantAcrossChunkBoundaries(t *testing.T) {
	var all []byte
	var want []*Frame
	for i := 0; i < 5; i++ {
		f := EncodeData(uint32(i*2+1), bytes.Repeat([]byte{byte(i)}, i+1))
		want = append(want, f)
		buf, err := Encode(nil, f)
		if err != nil {
			t.Fatal(err)
		}
		all = append(all, buf...)
	}

	for chunkSize := 1; chunkSize <= len(all); chunkSize++ {
		var buffered []byte
		var got []*Frame
		for pos := 0; pos < len(all); pos += chunkSize {
			end := pos + chunkSize
			if end > len(all) {
				end = len(all)
			}
			buffered = append(buffered, all[pos:end]...)
			for {
				f, n, err := Decode(buffered)
				if err != nil {
					t.Fatalf("chunkSize=%d: decode error: %v", chunkSize, err)
				}
				if f == nil {
					break
				}
				got = append(got, f)
				buffered = buffered[n:]
			}
		}
		if len(got) != len(want) {
			t.Fatalf("chunkSize=%d: got %d frames, want %d", chunkSize, len(got), len(want))
		}
		for i := range want {
			if got[i].SockMap != want[i].SockMap || !bytes.Equal(got[i].Payload, want[i].Payload) {
				t.Fatalf("chunkSize=%d: frame %d mismatch: got %+v want %+v", chunkSize, i, got[i], want[i])
			}
		}
	}
}

func TestDecodeShortBufferWaits(t *testing.T) {
	f := EncodeData(1, []byte("abc"))
	buf, err := Encode(nil, f)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < len(buf); i++ {
		got, n, err := Decode(buf[:i])
		if err != nil {
			t.Fatalf("unexpected error at prefix %d: %v", i, err)
		}
		if got != nil || n != 0 {
			t.Fatalf("prefix %d: expected to wait for more bytes, got frame", i)
		}
	}
}

func TestEncodeTooLongString(t *testing.T) {
	_, err := EncodeClose(0, string(make([]byte, 256)))
	if err == nil {
		t.Fatal("expected error for over-long short string")
	}
}

func mustCreate(t *testing.T, sockMap uint32, p CreatePayload) *Frame {
	t.Helper()
	f, err := EncodeCreate(sockMap, p)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func mustClose(t *testing.T, sockMap uint32, reason string) *Frame {
	t.Helper()
	f, err := EncodeClose(sockMap, reason)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func mustMapping(t *testing.T, entries []MappingEntry) *Frame {
	t.Helper()
	f, err := EncodeMapping(entries)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func mustToken(t *testing.T, user, pass string) *Frame {
	t.Helper()
	f, err := EncodeToken(user, pass)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

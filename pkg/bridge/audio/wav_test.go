package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestWAVRoundTrip(t *testing.T) {
	t.Parallel()

	pcm := pcmFrom(0, 1000, -1000, 32767, -32768)
	wav := EncodeWAV(pcm, 24000, 1)

	if len(wav) != wavHeaderSize+len(pcm) {
		t.Fatalf("len=%d, want %d", len(wav), wavHeaderSize+len(pcm))
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 24000 {
		t.Fatalf("sample rate=%d, want 24000", got)
	}

	out, format, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if !bytes.Equal(out, pcm) {
		t.Fatalf("pcm mismatch")
	}
	if format.SampleRate != 24000 || format.Channels != 1 || format.Encoding != EncodingPCM16 {
		t.Fatalf("format=%+v", format)
	}
}

func TestDecodeWAV_SkipsUnknownChunks(t *testing.T) {
	t.Parallel()

	wav := EncodeWAV(pcmFrom(5, 6), 16000, 1)
	// Splice a LIST chunk between fmt and data.
	extra := append([]byte("LIST"), 3, 0, 0, 0, 'a', 'b', 'c', 0)
	spliced := append(append(append([]byte{}, wav[:36]...), extra...), wav[36:]...)

	out, format, err := DecodeWAV(spliced)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if format.SampleRate != 16000 || !bytes.Equal(out, pcmFrom(5, 6)) {
		t.Fatalf("format=%+v out=%v", format, out)
	}
}

func TestDecodeWAV_Rejects(t *testing.T) {
	t.Parallel()

	cases := map[string][]byte{
		"short":    []byte("RIFF"),
		"not wave": append([]byte("RIFF\x00\x00\x00\x00AVI "), make([]byte, 32)...),
		"no data":  EncodeWAV(nil, 24000, 1)[:36],
	}
	for name, data := range cases {
		if _, _, err := DecodeWAV(data); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

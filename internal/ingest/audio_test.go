package ingest

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func lengthPrefixed(header string, pcm []byte) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(len(header)))
	buf = append(buf, header...)
	return append(buf, pcm...)
}

func TestParseAudioDatagram(t *testing.T) {
	pcm := bytes.Repeat([]byte{0x01, 0x02}, 800) // 1600 bytes

	t.Run("length_prefixed_json", func(t *testing.T) {
		header := `{"talkgroup":927,"freq":852387500,"audio_sample_rate":8000}`
		data := lengthPrefixed(header, pcm)

		meta, gotPCM, format, err := parseAudioDatagram(data)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if format != formatLengthPrefixedJSON {
			t.Errorf("format = %v", format)
		}
		if meta.talkgroup() != 927 {
			t.Errorf("talkgroup = %d, want 927", meta.talkgroup())
		}
		if meta.Freq != 852387500 {
			t.Errorf("freq = %d", meta.Freq)
		}
		if len(gotPCM) != 1600 {
			t.Errorf("pcm len = %d, want 1600", len(gotPCM))
		}
	})

	t.Run("tgid_fallback", func(t *testing.T) {
		data := lengthPrefixed(`{"tgid":1234}`, pcm)
		meta, _, _, err := parseAudioDatagram(data)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if meta.talkgroup() != 1234 {
			t.Errorf("talkgroup = %d, want 1234", meta.talkgroup())
		}
	})

	t.Run("embedded_json_at_4", func(t *testing.T) {
		data := []byte{0xFF, 0xFF, 0xFF, 0x7F}
		data = append(data, `{"talkgroup":55}`...)
		data = append(data, pcm...)

		meta, gotPCM, format, err := parseAudioDatagram(data)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if format != formatEmbeddedJSONAt4 {
			t.Errorf("format = %v", format)
		}
		if meta.talkgroup() != 55 {
			t.Errorf("talkgroup = %d, want 55", meta.talkgroup())
		}
		if !bytes.Equal(gotPCM, pcm) {
			t.Error("pcm mismatch")
		}
	})

	t.Run("raw_json_at_0", func(t *testing.T) {
		data := append([]byte(`{"talkgroup":77,"freq":154250000}`), pcm...)

		meta, gotPCM, format, err := parseAudioDatagram(data)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if format != formatRawJSONAt0 {
			t.Errorf("format = %v", format)
		}
		if meta.talkgroup() != 77 {
			t.Errorf("talkgroup = %d, want 77", meta.talkgroup())
		}
		if !bytes.Equal(gotPCM, pcm) {
			t.Error("pcm mismatch")
		}
	})

	t.Run("talkgroup_only", func(t *testing.T) {
		data := make([]byte, 4, 16)
		binary.LittleEndian.PutUint32(data, 12345)
		data = append(data, make([]byte, 12)...)

		meta, gotPCM, format, err := parseAudioDatagram(data)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if format != formatTalkgroupOnly {
			t.Errorf("format = %v", format)
		}
		if meta.talkgroup() != 12345 {
			t.Errorf("talkgroup = %d, want 12345", meta.talkgroup())
		}
		if len(gotPCM) != 12 {
			t.Errorf("pcm len = %d, want 12", len(gotPCM))
		}
	})

	t.Run("zero_prefix_is_talkgroup_zero", func(t *testing.T) {
		data := make([]byte, 10)

		meta, _, format, err := parseAudioDatagram(data)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if format != formatTalkgroupOnly {
			t.Errorf("format = %v, want talkgroup_only", format)
		}
		if meta.talkgroup() != 0 {
			t.Errorf("talkgroup = %d, want 0", meta.talkgroup())
		}
	})

	t.Run("prefix_9999_valid_format_1", func(t *testing.T) {
		header := make([]byte, 9999)
		header[0] = '{'
		copy(header[1:], `"talkgroup":42}`)
		for i := 16; i < 9999; i++ {
			header[i] = ' '
		}
		data := make([]byte, 4)
		binary.LittleEndian.PutUint32(data, 9999)
		data = append(data, header...)
		data = append(data, 0x00) // one byte of payload so prefix < len

		meta, _, format, err := parseAudioDatagram(data)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if format != formatLengthPrefixedJSON {
			t.Errorf("format = %v, want length_prefixed", format)
		}
		if meta.talkgroup() != 42 {
			t.Errorf("talkgroup = %d, want 42", meta.talkgroup())
		}
	})

	t.Run("prefix_10000_rejected_as_header_len", func(t *testing.T) {
		data := make([]byte, 4)
		binary.LittleEndian.PutUint32(data, 10000)
		data = append(data, make([]byte, 20000)...)

		meta, _, format, err := parseAudioDatagram(data)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if format != formatTalkgroupOnly {
			t.Errorf("format = %v, want talkgroup_only", format)
		}
		if meta.talkgroup() != 10000 {
			t.Errorf("talkgroup = %d, want 10000", meta.talkgroup())
		}
	})

	t.Run("prefix_past_datagram_rejected", func(t *testing.T) {
		// The read buffer is reused between datagrams. A prefix pointing
		// past the datagram's end must not slice into stale bytes from an
		// earlier read, even when those bytes happen to parse as JSON.
		header := []byte(`{"talkgroup":927,"freq":852387500`)
		header = append(header, bytes.Repeat([]byte{' '}, 42-len(header)-1)...)
		header = append(header, '}') // closing brace at offset 41

		full := make([]byte, 64)
		binary.LittleEndian.PutUint32(full, uint32(len(header)))
		copy(full[4:], header)

		// Truncate to 44 bytes: the 42-byte header runs two bytes past the
		// datagram but stays inside the backing array.
		meta, _, format, err := parseAudioDatagram(full[:44])
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if format != formatTalkgroupOnly {
			t.Errorf("format = %v, want talkgroup_only", format)
		}
		if meta.talkgroup() != 42 {
			t.Errorf("talkgroup = %d, want 42", meta.talkgroup())
		}
	})

	t.Run("bad_json_falls_through", func(t *testing.T) {
		// Valid length prefix but garbage JSON; byte 4 is '{' so the
		// brace matcher gets a chance, then fails too, landing on format 4.
		data := lengthPrefixed(`{"talkgroup":`, nil)
		data = append(data, make([]byte, 8)...)

		_, _, format, err := parseAudioDatagram(data)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if format != formatTalkgroupOnly {
			t.Errorf("format = %v, want talkgroup_only", format)
		}
	})

	t.Run("too_short", func(t *testing.T) {
		if _, _, _, err := parseAudioDatagram([]byte{1, 2}); err == nil {
			t.Error("expected error for short datagram")
		}
	})
}

func TestParseAudioRoundTrip(t *testing.T) {
	// Parsing, re-emitting with the same metadata and PCM, and parsing
	// again yields the same frame.
	header := `{"talkgroup":927,"freq":852387500,"audio_sample_rate":8000}`
	pcm := bytes.Repeat([]byte{0xAA, 0x55}, 100)
	data := lengthPrefixed(header, pcm)

	meta1, pcm1, _, err := parseAudioDatagram(data)
	if err != nil {
		t.Fatalf("first parse: %v", err)
	}

	again := lengthPrefixed(header, pcm1)
	meta2, pcm2, _, err := parseAudioDatagram(again)
	if err != nil {
		t.Fatalf("second parse: %v", err)
	}

	if meta1 != meta2 {
		t.Errorf("meta mismatch: %+v vs %+v", meta1, meta2)
	}
	if !bytes.Equal(pcm1, pcm2) {
		t.Error("pcm mismatch after round trip")
	}
}

func TestMatchBraces(t *testing.T) {
	tests := []struct {
		in   string
		end  int
		ok   bool
	}{
		{`{}`, 2, true},
		{`{"a":1}extra`, 7, true},
		{`{"a":{"b":2}}`, 13, true},
		{`{"s":"}{"}tail`, 10, true},
		{`{"a":1`, 0, false},
		{`{"esc":"\"}"}x`, 13, true},
	}
	for _, tt := range tests {
		end, ok := matchBraces([]byte(tt.in))
		if ok != tt.ok || end != tt.end {
			t.Errorf("matchBraces(%q) = (%d, %v), want (%d, %v)", tt.in, end, ok, tt.end, tt.ok)
		}
	}
}

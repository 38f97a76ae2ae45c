package ingest

import (
	"encoding/binary"
	"math"
	"testing"
)

func buildFFTDatagram(metaJSON string, mags []float32) []byte {
	data := []byte("FFTD")
	data = binary.LittleEndian.AppendUint32(data, uint32(len(metaJSON)))
	data = binary.LittleEndian.AppendUint32(data, uint32(len(mags)))
	data = append(data, metaJSON...)
	for _, m := range mags {
		data = binary.LittleEndian.AppendUint32(data, math.Float32bits(m))
	}
	return data
}

func TestParseFFTDatagram(t *testing.T) {
	mags := make([]float32, 1024)
	for i := range mags {
		mags[i] = float32(i) * -0.125
	}
	meta := `{"source_index":0,"center_freq":852000000,"sample_rate":2048000,"timestamp":1700000000000,"min_freq":850976000,"max_freq":853024000}`

	t.Run("valid", func(t *testing.T) {
		pkt, err := parseFFTDatagram(buildFFTDatagram(meta, mags))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if pkt.Size != 1024 || len(pkt.Magnitudes) != 1024 {
			t.Errorf("size = %d, mags = %d", pkt.Size, len(pkt.Magnitudes))
		}
		if pkt.CenterFreq != 852000000 || pkt.SampleRate != 2048000 {
			t.Errorf("meta = %+v", pkt)
		}
		if pkt.Timestamp != 1700000000000 {
			t.Errorf("timestamp = %d", pkt.Timestamp)
		}
		if pkt.Magnitudes[8] != -1.0 {
			t.Errorf("mags[8] = %v, want -1.0", pkt.Magnitudes[8])
		}
	})

	t.Run("missing_timestamp_defaults_to_now", func(t *testing.T) {
		pkt, err := parseFFTDatagram(buildFFTDatagram(`{"center_freq":1}`, mags[:16]))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if pkt.Timestamp == 0 {
			t.Error("timestamp not filled in")
		}
	})

	t.Run("bad_magic", func(t *testing.T) {
		data := buildFFTDatagram(meta, mags)
		data[0] = 'X'
		if _, err := parseFFTDatagram(data); err == nil {
			t.Error("expected error for bad magic")
		}
	})

	t.Run("truncated", func(t *testing.T) {
		data := buildFFTDatagram(meta, mags)
		if _, err := parseFFTDatagram(data[:len(data)-4]); err == nil {
			t.Error("expected error for truncated payload")
		}
	})

	t.Run("size_not_power_of_two", func(t *testing.T) {
		if _, err := parseFFTDatagram(buildFFTDatagram(meta, mags[:1000])); err == nil {
			t.Error("expected error for fft size 1000")
		}
	})

	t.Run("zero_size", func(t *testing.T) {
		if _, err := parseFFTDatagram(buildFFTDatagram(meta, nil)); err == nil {
			t.Error("expected error for zero fft size")
		}
	})

	t.Run("bad_meta_json", func(t *testing.T) {
		if _, err := parseFFTDatagram(buildFFTDatagram(`{"center_freq":`, mags[:16])); err == nil {
			t.Error("expected error for bad metadata")
		}
	})

	t.Run("too_short", func(t *testing.T) {
		if _, err := parseFFTDatagram([]byte("FFTD\x00\x00")); err == nil {
			t.Error("expected error for short datagram")
		}
	})
}

package bus

import "time"

// AudioFrame is one PCM packet from the decoder, enriched with catalog data.
type AudioFrame struct {
	// Channel is the logical-channel key: talkgroup number for trunked
	// systems, frequency in Hz for conventional.
	Channel    int64
	Frequency  int64
	SampleRate int
	Source     string
	Emission   string
	PCM        []byte // signed 16-bit little-endian samples

	// Catalog enrichment. Empty strings when the cache has no row.
	AlphaTag    string
	GroupName   string
	GroupTag    string
	Description string
	SystemType  string
}

// FFTPacket is one spectrum frame.
type FFTPacket struct {
	SourceIndex int       `json:"source_index"`
	CenterFreq  int64     `json:"center_freq"`
	SampleRate  int       `json:"sample_rate"`
	Timestamp   int64     `json:"timestamp"` // emission time, milliseconds
	Size        int       `json:"fft_size"`
	MinFreq     int64     `json:"min_freq"`
	MaxFreq     int64     `json:"max_freq"`
	Magnitudes  []float32 `json:"-"` // dB, length == Size
}

// ControlChannelEvent is a classified decoder log line.
type ControlChannelEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	Kind          string    `json:"kind"`
	Talkgroup     int       `json:"talkgroup,omitempty"`
	TalkgroupTag  string    `json:"talkgroup_tag,omitempty"`
	Frequency     int64     `json:"frequency,omitempty"`
	RecorderIndex int       `json:"recorder_index,omitempty"`
	SourceUnit    int       `json:"source_unit,omitempty"`
	TDMASlot      int       `json:"tdma_slot,omitempty"`
	DecodeRate    float64   `json:"decode_rate,omitempty"`
	WACN          string    `json:"wacn,omitempty"`
	NAC           string    `json:"nac,omitempty"`
	SystemID      string    `json:"system_id,omitempty"`
	Message       string    `json:"message"`
}

// Control-channel event kinds.
const (
	EventGrant      = "grant"
	EventUpdate     = "update"
	EventEnd        = "end"
	EventEncrypted  = "encrypted"
	EventOutOfBand  = "out_of_band"
	EventNoRecorder = "no_recorder"
	EventDecodeRate = "decode_rate"
	EventSystemInfo = "system_info"
	EventUnit       = "unit"
)

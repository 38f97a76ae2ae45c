package ingest

import "encoding/json"

// StatusEnvelope is the common wrapper for every message on the decoder
// status socket.
type StatusEnvelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"` // original payload, forwarded unchanged for systems/recorders
}

// CallStartMsg announces a new call on the decoder.
type CallStartMsg struct {
	ID           string  `json:"id"`
	Freq         int64   `json:"freq"`
	Talkgroup    int64   `json:"talkgroup"`
	TalkgroupTag string  `json:"talkgrouptag"`
	ElapsedTime  float64 `json:"elapsedTime"`
}

// FreqEntry is one hop in a call's frequency list.
type FreqEntry struct {
	Freq      int64   `json:"freq"`
	Time      float64 `json:"time"`
	Pos       float64 `json:"pos"`
	Len       float64 `json:"len"`
	ErrorRate float64 `json:"error_count"`
	SpikeRate float64 `json:"spike_count"`
}

// SrcEntry is one transmitting unit in a call's source list.
type SrcEntry struct {
	Src  int64   `json:"src"`
	Time float64 `json:"time"`
	Pos  float64 `json:"pos"`
	Tag  string  `json:"tag"`
}

// CallEndMsg carries the full post-call record from the decoder.
type CallEndMsg struct {
	ID                   string      `json:"id"`
	Freq                 int64       `json:"freq"`
	Talkgroup            int64       `json:"talkgroup"`
	TalkgroupTag         string      `json:"talkgrouptag"`
	TalkgroupDescription string      `json:"talkgroupDescription"`
	TalkgroupGroup       string      `json:"talkgroupGroup"`
	TalkgroupGroupTag    string      `json:"talkgroupTag"`
	StartTime            int64       `json:"startTime"`
	StopTime             int64       `json:"stopTime"`
	Length               float64     `json:"length"`
	Emergency            bool        `json:"emergency"`
	Encrypted            bool        `json:"encrypted"`
	Filename             string      `json:"filename"`
	AudioType            string      `json:"audioType"`
	FreqList             []FreqEntry `json:"freqList"`
	SrcList              []SrcEntry  `json:"srcList"`
}

// CallsActiveMsg is the decoder's authoritative list of in-flight calls.
type CallsActiveMsg struct {
	Calls []CallStartMsg `json:"calls"`
}

// RateEntry is the decode-rate report for one source.
type RateEntry struct {
	DecodeRate     float64 `json:"decoderate"`
	ControlChannel int64   `json:"control_channel"`
}

// RatesMsg maps source name to its decode-rate report.
type RatesMsg struct {
	Rates map[string]RateEntry `json:"rates"`
}

// StatusMessage is one decoded message from the status socket. Exactly one of
// the typed fields is populated according to Type; Systems and Recorders keep
// only the raw payload.
type StatusMessage struct {
	Type        string
	CallStart   *CallStartMsg
	CallEnd     *CallEndMsg
	CallsActive *CallsActiveMsg
	Rates       *RatesMsg
	Raw         json.RawMessage
}

// parseStatusMessage decodes one textual frame from the decoder.
func parseStatusMessage(data []byte) (*StatusMessage, error) {
	var env StatusEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	msg := &StatusMessage{Type: env.Type, Raw: append(json.RawMessage(nil), data...)}
	switch env.Type {
	case "call_start":
		msg.CallStart = &CallStartMsg{}
		if err := json.Unmarshal(data, msg.CallStart); err != nil {
			return nil, err
		}
	case "call_end":
		msg.CallEnd = &CallEndMsg{}
		if err := json.Unmarshal(data, msg.CallEnd); err != nil {
			return nil, err
		}
	case "calls_active":
		msg.CallsActive = &CallsActiveMsg{}
		if err := json.Unmarshal(data, msg.CallsActive); err != nil {
			return nil, err
		}
	case "rates":
		msg.Rates = &RatesMsg{}
		if err := json.Unmarshal(data, msg.Rates); err != nil {
			return nil, err
		}
	case "systems", "recorders":
		// forwarded unchanged
	}
	return msg, nil
}

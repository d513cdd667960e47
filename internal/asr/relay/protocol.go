// Package relay streams recognition audio to the owned backend, which proxies
// the session to the configured cloud vendor. The channel carries JSON event
// envelopes in both directions; audio rides inside audio_data events as
// Base64 PCM16.
package relay

import (
	"encoding/json"
	"fmt"
)

// Outbound events.
const (
	eventJoinMeeting      = "join_meeting"
	eventStartRecognition = "start_recognition"
	eventAudioData        = "audio_data"
	eventStopRecognition  = "stop_recognition"
	eventLeaveMeeting     = "leave_meeting"
)

// Inbound events.
const (
	eventConnected          = "connected"
	eventRecognitionStarted = "recognition_started"
	eventTranscriptUpdate   = "transcript_update"
	eventRecognitionStopped = "recognition_stopped"
	eventError              = "error"
)

// envelope is the wire shape for every message on the channel.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type joinPayload struct {
	MeetingID string `json:"meeting_id"`
}

type startPayload struct {
	MeetingID string `json:"meeting_id"`
	StreamURL string `json:"stream_url,omitempty"`
}

type audioPayload struct {
	MeetingID string `json:"meeting_id"`
	AudioData string `json:"audio_data"`
	Format    string `json:"format"`
}

// transcriptPayload carries one interim or final recognition result.
type transcriptPayload struct {
	MeetingID  string  `json:"meeting_id"`
	Text       string  `json:"text"`
	IsFinal    bool    `json:"is_final"`
	Timestamp  int64   `json:"timestamp"`
	Confidence float64 `json:"confidence"`
	Speaker    string  `json:"speaker"`
}

type errorPayload struct {
	Message string `json:"message"`
}

func newEnvelope(event string, data any) (*envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	return &envelope{Event: event, Data: raw}, nil
}

func decodeEnvelope(data []byte) (*envelope, error) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("malformed backend message: %w", err)
	}
	if e.Event == "" {
		return nil, fmt.Errorf("backend message without an event name")
	}
	return &e, nil
}

// decodePayload unpacks the envelope payload into the per-event shape. A
// missing data object decodes to the zero value.
func decodePayload(e *envelope, v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("malformed %s payload: %w", e.Event, err)
	}
	return nil
}

// Package aliyun drives the NLS flowing speech synthesizer over its
// WebSocket protocol: JSON control messages out, raw PCM16 audio frames in.
package aliyun

import (
	"encoding/json"
	"fmt"
)

const (
	namespaceSynthesizer = "FlowingSpeechSynthesizer"

	nameStartSynthesis = "StartSynthesis"
	nameRunSynthesis   = "RunSynthesis"
	nameStopSynthesis  = "StopSynthesis"

	eventSynthesisStarted   = "SynthesisStarted"
	eventSynthesisCompleted = "SynthesisCompleted"
	eventSentenceSynthesis  = "SentenceSynthesis"
	eventTaskFailed         = "TaskFailed"

	// statusSuccess is the gateway's OK status on every confirmation.
	statusSuccess = 20000000
)

type header struct {
	AppKey    string `json:"appkey,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`

	// Inbound only.
	Status     int    `json:"status,omitempty"`
	StatusText string `json:"status_text,omitempty"`
}

type command struct {
	Header  header         `json:"header"`
	Payload map[string]any `json:"payload,omitempty"`
}

// startPayload builds the StartSynthesis parameters.
func startPayload(voice, format string, sampleRate, volume, speechRate, pitchRate int) map[string]any {
	return map[string]any{
		"voice":           voice,
		"format":          format,
		"sample_rate":     sampleRate,
		"volume":          volume,
		"speech_rate":     speechRate,
		"pitch_rate":      pitchRate,
		"enable_subtitle": true,
	}
}

type event struct {
	Header header `json:"header"`
}

func decodeEvent(data []byte) (*event, error) {
	var e event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("malformed synthesizer message: %w", err)
	}
	return &e, nil
}

// fault maps a TaskFailed event or any unexpected status to an error.
// Started and completed confirmations gate on success status themselves.
func (e *event) fault() error {
	h := e.Header
	if h.Name == eventTaskFailed {
		return fmt.Errorf("synthesis failed: %s (status %d)", faultText(h), h.Status)
	}
	if h.Status != 0 && h.Status != statusSuccess {
		return fmt.Errorf("synthesis failed: %s (status %d)", faultText(h), h.Status)
	}
	return nil
}

func faultText(h header) string {
	if h.StatusText != "" {
		return h.StatusText
	}
	return "gateway error"
}

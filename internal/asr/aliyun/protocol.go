// Package aliyun implements the NLS realtime transcription adapter. The same
// envelope family serves two entry points: the token-authenticated gateway
// and pre-signed meeting join URLs, selected at construction time.
package aliyun

import (
	"encoding/json"
	"fmt"
)

const (
	namespaceTranscriber = "SpeechTranscriber"

	nameStartTranscription = "StartTranscription"
	nameStopTranscription  = "StopTranscription"

	eventTranscriptionStarted   = "TranscriptionStarted"
	eventSentenceBegin          = "SentenceBegin"
	eventResultChanged          = "TranscriptionResultChanged"
	eventSentenceEnd            = "SentenceEnd"
	eventTranscriptionCompleted = "TranscriptionCompleted"
	eventResultTranslated       = "ResultTranslated"
	eventTaskFailed             = "TaskFailed"

	// statusSuccess is the gateway's OK code; any other non-zero status is a
	// task failure.
	statusSuccess = 20000000
)

type header struct {
	AppKey    string `json:"appkey,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Namespace string `json:"namespace"`
	Name      string `json:"name"`

	// Inbound only
	Status     int    `json:"status,omitempty"`
	StatusText string `json:"status_text,omitempty"`
}

// command is an outbound control message.
type command struct {
	Header  header         `json:"header"`
	Payload map[string]any `json:"payload"`
}

// startPayload builds the StartTranscription payload for the token entry
// point. The meeting gateway ignores most of these, so its variant sends a
// reduced form.
func startPayload(full bool) map[string]any {
	if !full {
		return map[string]any{
			"format":      "pcm",
			"sample_rate": 16000,
		}
	}
	return map[string]any{
		"format":                            "PCM",
		"sample_rate":                       16000,
		"enable_intermediate_result":        true,
		"enable_punctuation_prediction":     true,
		"enable_inverse_text_normalization": true,
		// Sentence split threshold in ms; 2000 avoids splitting on short
		// pauses mid-sentence.
		"max_sentence_silence": 2000,
	}
}

// event is a decoded inbound message. The meeting gateway reports some
// failures outside the header, as top-level ErrorCode/ErrorMessage or a
// nested error object, so all three shapes are captured.
type event struct {
	Header  header       `json:"header"`
	Payload eventPayload `json:"payload"`

	ErrorCode    any    `json:"ErrorCode"`
	ErrorMessage string `json:"ErrorMessage"`
	ErrorObj     *struct {
		Code    any    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type eventPayload struct {
	Index      int     `json:"index"`
	Result     string  `json:"result"`
	Time       int64   `json:"time"`
	Confidence float64 `json:"confidence"`

	// Speaker id field naming varies by deployment; number or string.
	SpeakerID  any `json:"speaker_id"`
	SpeakerID2 any `json:"speakerId"`
	RoleID     any `json:"role_id"`
	RoleID2    any `json:"roleId"`
}

// speaker returns the diarized speaker id as an opaque string, or "".
func (p *eventPayload) speaker() string {
	for _, v := range []any{p.SpeakerID, p.SpeakerID2, p.RoleID, p.RoleID2} {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			if s != "" {
				return s
			}
			continue
		}
		return fmt.Sprintf("%v", v)
	}
	return ""
}

// fault returns the terminal error an inbound message carries, or nil.
func (e *event) fault() error {
	if e.ErrorCode != nil || e.ErrorObj != nil {
		code := e.ErrorCode
		msg := e.ErrorMessage
		if e.ErrorObj != nil {
			if code == nil {
				code = e.ErrorObj.Code
			}
			if msg == "" {
				msg = e.ErrorObj.Message
			}
		}
		if msg == "" {
			msg = "unknown gateway error"
		}
		return fmt.Errorf("gateway error %v: %s", code, msg)
	}

	if e.Header.Status != 0 && e.Header.Status != statusSuccess {
		text := e.Header.StatusText
		if text == "" {
			text = "unknown error"
		}
		return fmt.Errorf("transcription failed with status %d: %s", e.Header.Status, text)
	}

	if e.Header.Name == eventTaskFailed {
		text := e.Header.StatusText
		if text == "" {
			text = "task failed"
		}
		return fmt.Errorf("transcription task failed: %s", text)
	}

	return nil
}

func decodeEvent(data []byte) (*event, error) {
	var e event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("malformed gateway message: %w", err)
	}
	return &e, nil
}

// Package xunfei implements the realtime transcription adapter for the
// signed-URL vendor gateway. Audio travels as Base64 inside JSON envelopes
// and results arrive in several shapes depending on deployment, so the
// decoder probes the known field locations in a fixed priority order.
package xunfei

import (
	"encoding/json"
	"errors"
	"fmt"
)

// errMalformed marks an inbound message that could not be parsed at all.
// Callers log and skip these; only vendor faults end the session.
var errMalformed = errors.New("malformed message")

// fragment is the normalized content of one inbound result message.
type fragment struct {
	Text       string
	IsFinal    bool
	Speaker    string
	Confidence float64
}

// audioEnvelope carries one Base64 audio frame; status 1 with empty audio
// marks end of stream.
type audioEnvelope struct {
	Data audioData `json:"data"`
}

type audioData struct {
	Audio  string `json:"audio"`
	Status int    `json:"status"`
}

// decodeMessage parses one inbound text message.
//
// Returns errMalformed when the payload is not valid JSON, a non-nil error
// for vendor faults (code != 0 or an abnormal status report), a fragment when
// recognized text could be extracted, and (nil, nil) for housekeeping
// messages that carry neither.
func decodeMessage(raw []byte) (*fragment, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}

	// Error code at the top level.
	if code, ok := m["code"]; ok && !isZeroCode(code) {
		msg := firstString(m["message"], m["msg"])
		if msg == "" {
			msg = "recognition failed"
		}
		return nil, fmt.Errorf("vendor error %v: %s", code, msg)
	}

	// Status report: {data: {desc, normal, detail}}. normal == false means
	// the capability is down; anything else is informational.
	if d, ok := m["data"].(map[string]any); ok {
		if _, hasDesc := d["desc"]; hasDesc {
			if normal, hasNormal := d["normal"]; hasNormal {
				if b, ok := normal.(bool); ok && !b {
					desc := firstString(d["desc"])
					if desc == "" {
						desc = "capability reported abnormal"
					}
					if detail, ok := d["detail"]; ok && detail != nil {
						return nil, fmt.Errorf("%s (%v)", desc, detail)
					}
					return nil, fmt.Errorf("%s", desc)
				}
				return nil, nil
			}
		}
	}

	// Result location: data.result, then result, then the message itself.
	resultData := m
	if d, ok := m["data"].(map[string]any); ok {
		if r, ok := d["result"].(map[string]any); ok {
			resultData = r
		} else if r, ok := m["result"].(map[string]any); ok {
			resultData = r
		}
	} else if r, ok := m["result"].(map[string]any); ok {
		resultData = r
	}

	// Some deployments nest once more under data.
	if nested, ok := resultData["data"].(map[string]any); ok {
		if hasAny(nested, "text", "ws", "result") {
			if r, ok := nested["result"].(map[string]any); ok {
				resultData = r
			} else {
				resultData = nested
			}
		}
	}

	frag := extractFragment(resultData, firstString(m["res_type"]))
	if frag == nil || frag.Text == "" {
		return nil, nil
	}
	return frag, nil
}

// extractFragment probes the three known text locations in priority order:
// a direct text field, a ws sub-object, then a data field (string or object,
// where res_type "frc" marks finals).
func extractFragment(resultData map[string]any, resType string) *fragment {
	if text := firstString(resultData["text"]); text != "" {
		return &fragment{
			Text:       text,
			IsFinal:    isFinalFields(resultData),
			Speaker:    speakerFields(resultData),
			Confidence: floatField(resultData["confidence"]),
		}
	}

	if ws, ok := resultData["ws"].(map[string]any); ok {
		return &fragment{
			Text:       firstString(ws["text"]),
			IsFinal:    isFinalFields(ws),
			Speaker:    speakerFields(ws),
			Confidence: floatField(ws["confidence"]),
		}
	}

	switch data := resultData["data"].(type) {
	case string:
		return &fragment{
			Text:    data,
			IsFinal: resType == "frc",
		}
	case map[string]any:
		frag := &fragment{
			Text:       firstString(data["text"]),
			IsFinal:    isFinalFields(data) || resType == "frc",
			Speaker:    speakerFields(data),
			Confidence: floatField(data["confidence"]),
		}
		if ws, ok := data["ws"].(map[string]any); ok {
			if frag.Text == "" {
				frag.Text = firstString(ws["text"])
			}
			frag.IsFinal = frag.IsFinal || isFinalFields(ws)
			if frag.Speaker == "" {
				frag.Speaker = speakerFields(ws)
			}
			if frag.Confidence == 0 {
				frag.Confidence = floatField(ws["confidence"])
			}
		}
		return frag
	}

	return nil
}

func isFinalFields(m map[string]any) bool {
	if v, ok := m["is_final"].(float64); ok && v == 1 {
		return true
	}
	if v, ok := m["final"].(bool); ok && v {
		return true
	}
	return false
}

// speakerFields returns the first populated speaker id. Zero and empty are
// treated as absent, matching how production traffic uses these fields.
func speakerFields(m map[string]any) string {
	for _, key := range []string{"role_id", "speaker_id", "speaker"} {
		switch v := m[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			if v != 0 {
				return fmt.Sprintf("%v", v)
			}
		}
	}
	return ""
}

func isZeroCode(v any) bool {
	switch c := v.(type) {
	case float64:
		return c == 0
	case string:
		return c == "" || c == "0"
	case nil:
		return true
	default:
		return false
	}
}

func firstString(values ...any) string {
	for _, v := range values {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func floatField(v any) float64 {
	if f, ok := v.(float64); ok {
		return f
	}
	return 0
}

func hasAny(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

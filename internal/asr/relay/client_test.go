package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meetscribe/voicelink/internal/asr"
	"github.com/meetscribe/voicelink/internal/audio"
)

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func waitForState(t *testing.T, c *Client, want asr.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("State never reached %s, stuck at %s", want, c.State())
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	env, err := newEnvelope(event, data)
	if err != nil {
		t.Fatalf("Failed to build %s envelope: %v", event, err)
	}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("Failed to send %s: %v", event, err)
	}
}

// fakeBackend mimics the owned backend's event channel: it confirms the
// session on start_recognition, acks one audio frame with a transcript, and
// confirms stop_recognition.
func fakeBackend(t *testing.T, authToken string) *httptest.Server {
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authToken != "" {
			if got := r.Header.Get("Authorization"); got != "Bearer "+authToken {
				t.Errorf("Handshake missing bearer token, got %q", got)
			}
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		send(t, conn, eventConnected, map[string]string{"status": "ok"})

		joined := ""
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}

			env, err := decodeEnvelope(data)
			if err != nil {
				t.Errorf("Client sent an undecodable message: %v", err)
				return
			}

			switch env.Event {
			case eventJoinMeeting:
				var p joinPayload
				if err := decodePayload(env, &p); err != nil || p.MeetingID == "" {
					t.Errorf("join_meeting without a meeting_id: %s", env.Data)
				}
				joined = p.MeetingID

			case eventStartRecognition:
				var p startPayload
				if err := decodePayload(env, &p); err != nil {
					t.Errorf("Malformed start_recognition: %v", err)
				}
				if p.MeetingID != joined {
					t.Errorf("start_recognition for %q, joined %q", p.MeetingID, joined)
				}
				send(t, conn, eventRecognitionStarted, joinPayload{MeetingID: p.MeetingID})

			case eventAudioData:
				var p audioPayload
				if err := decodePayload(env, &p); err != nil {
					t.Errorf("Malformed audio_data: %v", err)
					continue
				}
				if p.Format != "pcm" {
					t.Errorf("Expected pcm format, got %q", p.Format)
				}
				raw, err := base64.StdEncoding.DecodeString(p.AudioData)
				if err != nil {
					t.Errorf("Audio payload is not valid Base64: %v", err)
					continue
				}
				if len(raw) != audio.FrameBytes {
					t.Errorf("Expected %d-byte frame, got %d", audio.FrameBytes, len(raw))
				}
				send(t, conn, eventTranscriptUpdate, transcriptPayload{
					MeetingID:  p.MeetingID,
					Text:       "frame received",
					IsFinal:    true,
					Timestamp:  1709280000000,
					Confidence: 0.91,
					Speaker:    "2",
				})

			case eventStopRecognition:
				send(t, conn, eventRecognitionStopped, joinPayload{MeetingID: joined})

			case eventLeaveMeeting:
				return
			}
		}
	}))
}

func testConfig(server *httptest.Server, token string) Config {
	return Config{
		URL:           wsURL(server),
		AuthToken:     token,
		MeetingID:     "meeting-42",
		FrameInterval: 2 * time.Millisecond,
	}
}

func TestClient_SessionLifecycle(t *testing.T) {
	server := fakeBackend(t, "backend-token")
	defer server.Close()

	c := NewClient(testConfig(server, "backend-token"))
	results := make(chan asr.Result, 16)
	c.SetResultHandler(func(r asr.Result) { results <- r })
	c.SetErrorHandler(func(err error) { t.Errorf("Unexpected session error: %v", err) })

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForState(t, c, asr.StateStreaming)

	if err := c.WriteChunk(make([]float32, audio.FrameSamples)); err != nil {
		t.Fatalf("WriteChunk failed: %v", err)
	}

	select {
	case r := <-results:
		if r.Text != "frame received" || !r.IsFinal {
			t.Errorf("Unexpected result %+v", r)
		}
		if r.Speaker != "2" {
			t.Errorf("Expected speaker 2, got %q", r.Speaker)
		}
		if r.Timestamp.UnixMilli() != 1709280000000 {
			t.Errorf("Expected vendor timestamp, got %v", r.Timestamp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for a transcript")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if c.State() != asr.StateClosed {
		t.Errorf("Expected closed, got %s", c.State())
	}
}

func TestClient_BackendErrorFailsOnce(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Two consecutive faults; the second must be suppressed.
		send(t, conn, eventError, errorPayload{Message: "recognition backend unavailable"})
		send(t, conn, eventError, errorPayload{Message: "second fault"})
		time.Sleep(50 * time.Millisecond)
	}))
	defer server.Close()

	c := NewClient(testConfig(server, ""))
	var calls atomic.Int32
	errs := make(chan error, 2)
	c.SetErrorHandler(func(err error) {
		calls.Add(1)
		errs <- err
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Close()

	select {
	case err := <-errs:
		if !strings.Contains(err.Error(), "recognition backend unavailable") {
			t.Errorf("Unexpected error %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for the error callback")
	}

	time.Sleep(100 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Errorf("Expected exactly one error callback, got %d", n)
	}
	if err := c.WriteChunk(make([]float32, 10)); err == nil {
		t.Error("Expected WriteChunk to fail after session error")
	}
}

func TestClient_StartTimeout(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Never confirm the session.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	cfg := testConfig(server, "")
	cfg.StartTimeout = 30 * time.Millisecond
	c := NewClient(cfg)
	errs := make(chan error, 1)
	c.SetErrorHandler(func(err error) { errs <- err })

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Close()

	select {
	case err := <-errs:
		if !strings.Contains(err.Error(), "recognition_started") {
			t.Errorf("Unexpected timeout error %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for the start timeout")
	}
	if c.State() != asr.StateError {
		t.Errorf("Expected error state, got %s", c.State())
	}
}

func TestDecodeEnvelope(t *testing.T) {
	e, err := decodeEnvelope([]byte(`{"event": "transcript_update", "data": {"text": "hi", "is_final": true}}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	var p transcriptPayload
	if err := decodePayload(e, &p); err != nil {
		t.Fatalf("Payload decode failed: %v", err)
	}
	if p.Text != "hi" || !p.IsFinal {
		t.Errorf("Unexpected payload %+v", p)
	}

	if _, err := decodeEnvelope([]byte(`{"data": {}}`)); err == nil {
		t.Error("Expected an error for a message without an event name")
	}
	if _, err := decodeEnvelope([]byte(`not json`)); err == nil {
		t.Error("Expected an error for malformed JSON")
	}

	// A confirmation without data decodes to the zero payload.
	e, err = decodeEnvelope([]byte(`{"event": "recognition_stopped"}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	var j joinPayload
	if err := decodePayload(e, &j); err != nil {
		t.Errorf("Empty payload should decode cleanly: %v", err)
	}

	env, err := newEnvelope(eventAudioData, audioPayload{MeetingID: "m", AudioData: "QUJD", Format: "pcm"})
	if err != nil {
		t.Fatalf("newEnvelope failed: %v", err)
	}
	raw, _ := json.Marshal(env)
	if !strings.Contains(string(raw), `"audio_data":"QUJD"`) {
		t.Errorf("Unexpected wire shape %s", raw)
	}
}

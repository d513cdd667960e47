package aliyun

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meetscribe/voicelink/internal/asr"
	"github.com/meetscribe/voicelink/internal/audio"
)

type memorySink struct {
	mu      sync.Mutex
	samples []float32
}

func (s *memorySink) Play(ctx context.Context, samples []float32) error {
	s.mu.Lock()
	s.samples = append(s.samples, samples...)
	s.mu.Unlock()
	return nil
}

func (s *memorySink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func reply(t *testing.T, conn *websocket.Conn, name string, status int) {
	t.Helper()
	msg := map[string]any{
		"header": map[string]any{
			"namespace": namespaceSynthesizer,
			"name":      name,
			"status":    status,
		},
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Errorf("Failed to send %s: %v", name, err)
	}
}

// fakeGateway confirms StartSynthesis, answers each RunSynthesis with one
// binary PCM16 chunk, and completes on StopSynthesis.
func fakeGateway(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.RawQuery, "token=test-token") {
			t.Errorf("Handshake missing token: %s", r.URL.RawQuery)
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}

			var cmd command
			if err := json.Unmarshal(data, &cmd); err != nil {
				t.Errorf("Undecodable command: %v", err)
				return
			}

			switch cmd.Header.Name {
			case nameStartSynthesis:
				if cmd.Header.AppKey != "test-appkey" || len(cmd.Header.TaskID) != 32 {
					t.Errorf("Bad StartSynthesis header: %+v", cmd.Header)
				}
				if cmd.Payload["voice"] != "longxiaochun" || cmd.Payload["format"] != "PCM" {
					t.Errorf("Bad StartSynthesis payload: %v", cmd.Payload)
				}
				reply(t, conn, eventSynthesisStarted, statusSuccess)

			case nameRunSynthesis:
				if cmd.Payload["text"] == "" {
					t.Error("RunSynthesis without text")
				}
				chunk := audio.FloatToPCM16([]float32{0.1, 0.2, 0.3, 0.4})
				conn.WriteMessage(websocket.BinaryMessage, chunk)

			case nameStopSynthesis:
				reply(t, conn, eventSynthesisCompleted, statusSuccess)
				return
			}
		}
	}))
}

func testConfig(server *httptest.Server) Config {
	return Config{
		GatewayURL: wsURL(server),
		AppKey:     "test-appkey",
		Token:      "test-token",
	}
}

func TestSynthesizer_SessionLifecycle(t *testing.T) {
	server := fakeGateway(t)
	defer server.Close()

	sink := &memorySink{}
	s := NewSynthesizer(testConfig(server), sink)
	s.SetErrorHandler(func(err error) { t.Errorf("Unexpected session error: %v", err) })

	var completed atomic.Bool
	s.SetCompleteHandler(func() { completed.Store(true) })
	playbackDone := make(chan struct{}, 4)
	s.SetPlaybackCompleteHandler(func() { playbackDone <- struct{}{} })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if s.State() != asr.StateStreaming {
		t.Fatalf("Expected streaming after Start, got %s", s.State())
	}

	if err := s.SendText("你好，今天的课程开始了"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}

	select {
	case <-playbackDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for playback")
	}
	if sink.total() != 4 {
		t.Errorf("Expected 4 decoded samples, got %d", sink.total())
	}

	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !completed.Load() {
		t.Error("SynthesisCompleted handler never fired")
	}
	if s.State() != asr.StateClosed {
		t.Errorf("Expected closed, got %s", s.State())
	}
}

func TestSynthesizer_SendTextBeforeStart(t *testing.T) {
	s := NewSynthesizer(Config{GatewayURL: "ws://127.0.0.1:1", AppKey: "k", Token: "t"}, &memorySink{})
	if err := s.SendText("too early"); err == nil {
		t.Error("Expected SendText to fail before the session starts")
	}
}

func TestSynthesizer_TaskFailedHaltsPlayback(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd command
			if err := json.Unmarshal(data, &cmd); err != nil {
				return
			}
			if cmd.Header.Name == nameStartSynthesis {
				reply(t, conn, eventSynthesisStarted, statusSuccess)
			}
			if cmd.Header.Name == nameRunSynthesis {
				msg := map[string]any{"header": map[string]any{
					"name":        eventTaskFailed,
					"status":      41020001,
					"status_text": "voice not authorized",
				}}
				conn.WriteJSON(msg)
				// Audio after the fault must be suppressed.
				conn.WriteMessage(websocket.BinaryMessage, audio.FloatToPCM16([]float32{0.5, 0.5}))
				time.Sleep(50 * time.Millisecond)
				return
			}
		}
	}))
	defer server.Close()

	sink := &memorySink{}
	s := NewSynthesizer(testConfig(server), sink)
	var calls atomic.Int32
	errs := make(chan error, 2)
	s.SetErrorHandler(func(err error) {
		calls.Add(1)
		errs <- err
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.SendText("boom"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}

	select {
	case err := <-errs:
		if !strings.Contains(err.Error(), "voice not authorized") {
			t.Errorf("Unexpected error %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for the error callback")
	}

	time.Sleep(100 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Errorf("Expected exactly one error callback, got %d", n)
	}
	if sink.total() != 0 {
		t.Errorf("Expected no playback after the fault, got %d samples", sink.total())
	}
	if err := s.SendText("after failure"); err == nil {
		t.Error("Expected SendText to fail after the fault")
	}
}

func TestSynthesizer_StartTimeout(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Never confirm.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	cfg := testConfig(server)
	cfg.StartTimeout = 30 * time.Millisecond
	s := NewSynthesizer(cfg, &memorySink{})

	err := s.Start(context.Background())
	if err == nil {
		t.Fatal("Expected Start to fail without SynthesisStarted")
	}
	if !strings.Contains(err.Error(), "SynthesisStarted") {
		t.Errorf("Unexpected timeout error %v", err)
	}
	if s.State() != asr.StateError {
		t.Errorf("Expected error state, got %s", s.State())
	}
}

func TestEventFault(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		isFault bool
		detail  string
	}{
		{"task failed", `{"header": {"name": "TaskFailed", "status": 40000001, "status_text": "token expired"}}`, true, "token expired"},
		{"bad status on unknown event", `{"header": {"name": "MetaInfo", "status": 41010101}}`, true, "gateway error"},
		{"success status", `{"header": {"name": "SynthesisStarted", "status": 20000000}}`, false, ""},
		{"no status", `{"header": {"name": "SentenceSynthesis"}}`, false, ""},
	}

	for _, tc := range cases {
		e, err := decodeEvent([]byte(tc.raw))
		if err != nil {
			t.Fatalf("%s: decode failed: %v", tc.name, err)
		}
		fault := e.fault()
		if tc.isFault && fault == nil {
			t.Errorf("%s: expected a fault", tc.name)
			continue
		}
		if !tc.isFault && fault != nil {
			t.Errorf("%s: unexpected fault %v", tc.name, fault)
			continue
		}
		if tc.isFault && !strings.Contains(fault.Error(), tc.detail) {
			t.Errorf("%s: fault %v missing %q", tc.name, fault, tc.detail)
		}
	}
}

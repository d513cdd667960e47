package asr

import (
	"testing"
	"time"
)

func TestNormalizer_EmitDelivers(t *testing.T) {
	var got []Result
	n := NewNormalizer(func(r Result) { got = append(got, r) })

	ts := time.UnixMilli(1709280000000)
	n.Emit("hello", false, ts, "spk-1", 0.92)

	if len(got) != 1 {
		t.Fatalf("Expected 1 result, got %d", len(got))
	}
	r := got[0]
	if r.Text != "hello" || r.IsFinal || r.Speaker != "spk-1" || r.Confidence != 0.92 {
		t.Errorf("Unexpected result: %+v", r)
	}
	if !r.Timestamp.Equal(ts) {
		t.Errorf("Expected vendor timestamp to pass through, got %v", r.Timestamp)
	}
}

func TestNormalizer_DropsEmptyText(t *testing.T) {
	count := 0
	n := NewNormalizer(func(Result) { count++ })

	n.Emit("", true, time.Time{}, "spk-1", 1.0)
	if count != 0 {
		t.Errorf("Expected empty text to be dropped, handler ran %d times", count)
	}
	if n.CurrentSpeaker() != "" {
		t.Error("Dropped fragment must not update speaker context")
	}
}

func TestNormalizer_ZeroTimestampGetsLocalTime(t *testing.T) {
	var got Result
	n := NewNormalizer(func(r Result) { got = r })

	before := time.Now()
	n.Emit("hi", true, time.Time{}, "", 0)
	after := time.Now()

	if got.Timestamp.Before(before) || got.Timestamp.After(after) {
		t.Errorf("Expected local timestamp between %v and %v, got %v", before, after, got.Timestamp)
	}
}

func TestNormalizer_SpeakerSticksAcrossAnonymousResults(t *testing.T) {
	n := NewNormalizer(nil)

	n.Emit("first", true, time.Time{}, "spk-2", 0)
	n.Emit("second", false, time.Time{}, "", 0)

	if n.CurrentSpeaker() != "spk-2" {
		t.Errorf("Expected speaker spk-2 to persist, got %q", n.CurrentSpeaker())
	}
}

func TestNormalizer_SilenceDuration(t *testing.T) {
	n := NewNormalizer(nil)

	if d := n.SilenceDuration(); d != 0 {
		t.Errorf("Expected zero before any speech, got %v", d)
	}

	n.Emit("hi", false, time.Time{}, "", 0)
	time.Sleep(10 * time.Millisecond)
	if d := n.SilenceDuration(); d < 10*time.Millisecond {
		t.Errorf("Expected >= 10ms, got %v", d)
	}

	n.Reset()
	if d := n.SilenceDuration(); d != 0 {
		t.Errorf("Expected zero after reset, got %v", d)
	}
}

func TestEpochMillis(t *testing.T) {
	if !EpochMillis(0).IsZero() {
		t.Error("Expected zero time for 0")
	}
	if got := EpochMillis(1709280000000); got.UnixMilli() != 1709280000000 {
		t.Errorf("Expected round trip, got %v", got)
	}
}

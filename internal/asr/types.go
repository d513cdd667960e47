// Package asr holds the shared result model, session lifecycle and result
// normalization used by every transcription vendor adapter.
package asr

import (
	"context"
	"time"
)

// Result is a normalized recognition result. Vendor payload shapes differ;
// adapters map whatever they receive onto this one struct before handing it
// to the application.
type Result struct {
	Text       string
	IsFinal    bool
	Timestamp  time.Time
	Speaker    string  // opaque vendor speaker id, empty when not diarized
	Confidence float64 // 0 when the vendor does not report one
}

// ResultHandler receives normalized recognition results. Handlers run on the
// adapter's receive goroutine and must not block.
type ResultHandler func(Result)

// ErrorHandler receives the terminal session error. It is invoked at most
// once per session.
type ErrorHandler func(error)

// Recognizer is implemented by each vendor transcription adapter.
//
// WriteChunk accepts normalized capture samples; the adapter owns framing,
// send cadence and backlog policy. Stop performs the vendor's graceful
// session teardown and Close drops the connection unconditionally.
type Recognizer interface {
	Start(ctx context.Context) error
	WriteChunk(samples []float32) error
	Stop(ctx context.Context) error
	Close() error
	SetResultHandler(h ResultHandler)
	SetErrorHandler(h ErrorHandler)
	State() State
}

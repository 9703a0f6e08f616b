package stt

import "context"

// Transcriber converts one window of audio into text. Implementations
// must be safe for concurrent use across sessions; callers guarantee
// that windows belonging to the same meeting are submitted serially.
type Transcriber interface {
	// Transcribe sends one audio window to the speech-to-text engine
	// and returns the recognized text. An empty string with a nil
	// error means the window contained no recognizable speech.
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Package mock provides an in-memory [audio.Microphone] for unit tests.
//
// The mock records Start and Close calls and lets a test push samples
// synchronously through the registered callback:
//
//	mic := &mock.Microphone{}
//	_ = mic.Start(ctx, pipeline.Process)
//	mic.Push(make([]float32, audio.FrameSize))
package mock

import (
	"context"
	"sync"

	"github.com/salesarchitect/voicecoach/pkg/audio"
)

var _ audio.Microphone = (*Microphone)(nil)

// Microphone is a mock implementation of [audio.Microphone].
type Microphone struct {
	mu sync.Mutex

	// StartErr is returned by Start, simulating a denied or missing device.
	StartErr error

	// CloseErr is returned by Close.
	CloseErr error

	// StartCalls counts calls to Start.
	StartCalls int

	// CloseCalls counts calls to Close.
	CloseCalls int

	onSamples func([]float32)
	closed    bool
}

// Start implements [audio.Microphone].
func (m *Microphone) Start(_ context.Context, onSamples func([]float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StartCalls++
	if m.StartErr != nil {
		return m.StartErr
	}
	m.onSamples = onSamples
	m.closed = false
	return nil
}

// Close implements [audio.Microphone].
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	m.closed = true
	return m.CloseErr
}

// Push delivers samples to the registered callback as the device thread
// would. It reports false if the microphone is not running.
func (m *Microphone) Push(samples []float32) bool {
	m.mu.Lock()
	cb := m.onSamples
	running := cb != nil && !m.closed
	m.mu.Unlock()
	if !running {
		return false
	}
	cb(samples)
	return true
}

// Running reports whether Start succeeded and Close has not been called.
func (m *Microphone) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onSamples != nil && !m.closed
}

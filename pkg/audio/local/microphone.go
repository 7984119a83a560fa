package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/salesarchitect/voicecoach/pkg/audio"
)

var _ audio.Microphone = (*Microphone)(nil)

// Microphone captures mono PCM16 at [audio.InputSampleRate] from the default
// input device.
type Microphone struct {
	ctx *Context

	mu     sync.Mutex
	device *malgo.Device
}

// NewMicrophone returns a Microphone bound to ctx. The device is opened by Start.
func NewMicrophone(ctx *Context) *Microphone {
	return &Microphone{ctx: ctx}
}

// Start implements [audio.Microphone].
func (m *Microphone) Start(ctx context.Context, onSamples func([]float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device != nil {
		return errors.New("local: microphone already started")
	}
	if m.ctx == nil || m.ctx.mctx == nil {
		return errors.New("local: audio context closed")
	}

	data := func(_, pInput []byte, _ uint32) {
		samples, err := audio.PCM16ToFloat(pInput)
		if err != nil {
			slog.Debug("microphone: dropping malformed buffer", "err", err)
			return
		}
		onSamples(samples)
	}
	device, err := malgo.InitDevice(m.ctx.mctx.Context, deviceConfig(malgo.Capture, audio.InputSampleRate), malgo.DeviceCallbacks{
		Data: data,
	})
	if err != nil {
		return fmt.Errorf("local: open capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("local: start capture device: %w", err)
	}
	m.device = device

	go func() {
		<-ctx.Done()
		_ = m.Close()
	}()
	return nil
}

// Close implements [audio.Microphone].
func (m *Microphone) Close() error {
	m.mu.Lock()
	device := m.device
	m.device = nil
	m.mu.Unlock()
	if device == nil {
		return nil
	}
	err := device.Stop()
	device.Uninit()
	if err != nil {
		return fmt.Errorf("local: stop capture device: %w", err)
	}
	return nil
}

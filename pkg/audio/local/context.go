// Package local drives the machine's default audio devices through miniaudio
// (github.com/gen2brain/malgo).
//
// A single [Context] owns the miniaudio backend; [Microphone] and [Speaker]
// open capture and playback devices on it. Devices run PCM16 mono at the
// rates the remote model expects, so no conversion beyond sample format is
// needed on the hot path.
package local

import (
	"fmt"
	"log/slog"

	"github.com/gen2brain/malgo"
)

// Context owns the miniaudio backend context shared by all devices.
type Context struct {
	mctx *malgo.AllocatedContext
}

// NewContext initialises the default miniaudio backend.
func NewContext() (*Context, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("miniaudio", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("local: init audio context: %w", err)
	}
	return &Context{mctx: mctx}, nil
}

// Close releases the backend. All devices must be closed first.
func (c *Context) Close() error {
	if c.mctx == nil {
		return nil
	}
	err := c.mctx.Uninit()
	c.mctx.Free()
	c.mctx = nil
	if err != nil {
		return fmt.Errorf("local: uninit audio context: %w", err)
	}
	return nil
}

func deviceConfig(kind malgo.DeviceType, rate int) malgo.DeviceConfig {
	cfg := malgo.DefaultDeviceConfig(kind)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.SampleRate = uint32(rate)
	cfg.Alsa.NoMMap = 1
	return cfg
}

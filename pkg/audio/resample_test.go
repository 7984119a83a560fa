package audio_test

import (
	"testing"

	"github.com/salesarchitect/voicecoach/pkg/audio"
)

func TestRateFromMIME(t *testing.T) {
	t.Parallel()
	tests := []struct {
		mime string
		want int
	}{
		{"audio/pcm;rate=24000", 24000},
		{"audio/pcm; rate=16000", 16000},
		{"audio/pcm", 8000},
		{"audio/pcm;rate=abc", 8000},
		{"audio/pcm;rate=-5", 8000},
		{"", 8000},
	}
	for _, tt := range tests {
		t.Run(tt.mime, func(t *testing.T) {
			t.Parallel()
			if got := audio.RateFromMIME(tt.mime, 8000); got != tt.want {
				t.Errorf("RateFromMIME(%q) = %d, want %d", tt.mime, got, tt.want)
			}
		})
	}
}

func TestResampleMono16(t *testing.T) {
	t.Parallel()

	in := audio.FloatToPCM16([]float32{0, 0.5, -0.5, 0.25})

	t.Run("same rate is a no-op", func(t *testing.T) {
		t.Parallel()
		out := audio.ResampleMono16(in, 16000, 16000)
		if &out[0] != &in[0] {
			t.Error("expected the input slice back")
		}
	})

	t.Run("upsample 16k to 24k", func(t *testing.T) {
		t.Parallel()
		out := audio.ResampleMono16(in, 16000, 24000)
		if len(out) != 12 {
			t.Fatalf("len = %d, want 12 (6 samples)", len(out))
		}
		first := int16(out[0]) | int16(out[1])<<8
		if first != 0 {
			t.Errorf("first sample = %d, want 0", first)
		}
	})

	t.Run("downsample halves length", func(t *testing.T) {
		t.Parallel()
		out := audio.ResampleMono16(in, 24000, 12000)
		if len(out) != 4 {
			t.Fatalf("len = %d, want 4", len(out))
		}
	})

	t.Run("invalid rate returns input", func(t *testing.T) {
		t.Parallel()
		if out := audio.ResampleMono16(in, 0, 24000); len(out) != len(in) {
			t.Errorf("len = %d, want %d", len(out), len(in))
		}
	})
}

func TestResample(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       []float32
		from, to int
		wantLen  int
	}{
		{name: "identity", in: []float32{1, 2, 3}, from: 24000, to: 24000, wantLen: 3},
		{name: "upsample", in: make([]float32, 160), from: 16000, to: 24000, wantLen: 240},
		{name: "downsample", in: make([]float32, 480), from: 48000, to: 24000, wantLen: 240},
		{name: "empty", in: nil, from: 16000, to: 24000, wantLen: 0},
		{name: "invalid rate", in: []float32{1, 2}, from: 0, to: 24000, wantLen: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := audio.Resample(tt.in, tt.from, tt.to); len(got) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(got), tt.wantLen)
			}
		})
	}
}

func TestResample_Interpolates(t *testing.T) {
	t.Parallel()

	got := audio.Resample([]float32{0, 1}, 1, 2)
	want := []float32{0, 0.5, 1, 1}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestResampleMono16_MatchesFloatPath(t *testing.T) {
	t.Parallel()

	samples := []float32{0, 0.5, -0.5, 0.25}
	got := audio.ResampleMono16(audio.FloatToPCM16(samples), 16000, 24000)
	want := audio.FloatToPCM16(audio.Resample(samples, 16000, 24000))
	if string(got) != string(want) {
		t.Errorf("PCM16 resample = %v, want %v", got, want)
	}
}

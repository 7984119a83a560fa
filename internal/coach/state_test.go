package coach

import "testing"

func TestStateString(t *testing.T) {
	t.Parallel()
	tests := []struct {
		s    State
		want string
	}{
		{StateIdle, "idle"},
		{StateConnecting, "connecting"},
		{StateActive, "active"},
		{StateAnalyzing, "analyzing"},
		{StateSummary, "summary"},
		{StateClosed, "closed"},
		{StateError, "error"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.s), got, tt.want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateConnecting, true},
		{StateConnecting, StateActive, true},
		{StateConnecting, StateError, true},
		{StateActive, StateAnalyzing, true},
		{StateActive, StateError, true},
		{StateAnalyzing, StateSummary, true},
		{StateAnalyzing, StateClosed, true},
		{StateActive, StateConnecting, false},
		{StateAnalyzing, StateError, false},
		{StateSummary, StateActive, false},
		{StateError, StateConnecting, false},
	}
	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("%v -> %v = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestBargeIn_Observe(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		volume   float64
		speaking bool
		want     bool
	}{
		{"loud over model", 0.25, true, true},
		{"quiet over model", 0.15, true, false},
		{"at threshold", 0.2, true, false},
		{"loud while silent", 0.9, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := NewBargeIn(0)
			if got := b.Observe(tt.volume, tt.speaking); got != tt.want {
				t.Errorf("Observe(%v, %v) = %v, want %v", tt.volume, tt.speaking, got, tt.want)
			}
		})
	}
}

func TestBargeIn_CustomThreshold(t *testing.T) {
	t.Parallel()
	b := NewBargeIn(0.5)
	if b.Observe(0.4, true) {
		t.Error("0.4 fired with threshold 0.5")
	}
	if !b.Observe(0.6, true) {
		t.Error("0.6 did not fire with threshold 0.5")
	}
	if b.Triggers() != 1 || b.Threshold() != 0.5 {
		t.Errorf("triggers = %d, threshold = %v", b.Triggers(), b.Threshold())
	}
}

package perf

import "testing"

func TestIsEnabledDefaultsFalseWithoutEnvVar(t *testing.T) {
	if IsEnabled() {
		t.Skip("OPENTMUX_PERF set in this environment")
	}
}

func TestTrackRunsFnRegardlessOfEnabled(t *testing.T) {
	ran := false
	Track("test.op", func() { ran = true })
	if !ran {
		t.Error("expected Track to invoke fn")
	}
}

func TestStartStopNeverPanicsWhenDisabled(t *testing.T) {
	timer := Start("test.op")
	_ = timer.Stop()
}

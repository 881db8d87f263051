package ppo

import (
	"math"
	"testing"
)

func TestLinearScheduler(t *testing.T) {
	status := NewStatus()
	sched := &LinearScheduler{
		Key:   "timesteps",
		Limit: 100,
		Start: 1,
		End:   0,
	}

	status.General["timesteps"] = 25
	sched.Finalize(status)
	if math.Abs(sched.Value()-0.75) > 1e-9 {
		t.Errorf("expected 0.75 but got %f", sched.Value())
	}

	status.General["timesteps"] = 1000
	sched.Finalize(status)
	if sched.Value() != 0 {
		t.Errorf("expected clamp to 0 but got %f", sched.Value())
	}
}

func TestLinearStepScheduler(t *testing.T) {
	status := NewStatus()
	sched := &LinearStepScheduler{
		Key:      "iteration",
		Triggers: []float64{10, 20},
		Values:   []float64{1, 0.5, 0.1},
	}

	for _, testCase := range []struct {
		iteration float64
		expected  float64
	}{
		{0, 1}, {9, 1}, {10, 0.5}, {19, 0.5}, {20, 0.1}, {100, 0.1},
	} {
		status.General["iteration"] = testCase.iteration
		sched.Finalize(status)
		if sched.Value() != testCase.expected {
			t.Errorf("iteration %f: expected %f but got %f",
				testCase.iteration, testCase.expected, sched.Value())
		}
	}
}

func TestChangeInStateScheduler(t *testing.T) {
	status := NewStatus()
	sched := &ChangeInStateScheduler{Key: "top score", Policy: "a"}

	status.Policy("a")["top score"] = 1
	sched.Finalize(status)
	if sched.Value() != 1 {
		t.Error("first observation should count as a change")
	}

	sched.Finalize(status)
	if sched.Value() != 0 {
		t.Error("unchanged value should not trigger")
	}

	status.Policy("a")["top score"] = 2
	sched.Finalize(status)
	if sched.Value() != 1 {
		t.Error("changed value should trigger")
	}
}

func TestCallableValue(t *testing.T) {
	status := NewStatus()
	constant := ConstValue(0.3)
	if constant.Value() != 0.3 {
		t.Error("constant should be readable before finalizing")
	}

	sched := &CallableValue{
		Fn: func(x float64) float64 {
			return x * 2
		},
	}
	status.General["iteration"] = 3
	sched.Finalize(status)
	if sched.Value() != 6 {
		t.Errorf("expected 6 but got %f", sched.Value())
	}
}

package ppo

// A Scheduler produces a value that follows the training
// status registry.
//
// Finalize is called once per iteration, after the status
// registry is updated; Value may then be read any number of
// times without re-reading the registry.
type Scheduler interface {
	Finalize(status *Status)
	Value() float64
}

// statusValue reads a key from the general registry, or from
// a policy registry when policy is non-empty.
func statusValue(status *Status, policy, key string) float64 {
	if policy == "" {
		return status.General[key]
	}
	return status.Policy(policy)[key]
}

// A CallableValue computes its value from one status key.
//
// With a nil Fn it is a constant, which makes it the plain
// way to pass fixed hyperparameters anywhere a Scheduler is
// expected.
type CallableValue struct {
	// Const is the value when Fn is nil.
	Const float64

	// Fn maps the tracked status value to the scheduled
	// value.
	Fn func(x float64) float64

	// Key is the tracked status key. Defaults to
	// "iteration".
	Key string

	// Policy selects a per-policy key. Empty means the
	// general registry.
	Policy string

	value     float64
	finalized bool
}

// ConstValue creates a constant scheduler.
func ConstValue(v float64) *CallableValue {
	return &CallableValue{Const: v}
}

// Finalize recomputes the value from the status registry.
func (c *CallableValue) Finalize(status *Status) {
	c.finalized = true
	if c.Fn == nil {
		c.value = c.Const
		return
	}
	key := c.Key
	if key == "" {
		key = "iteration"
	}
	c.value = c.Fn(statusValue(status, c.Policy, key))
}

// Value returns the last finalized value.
func (c *CallableValue) Value() float64 {
	if !c.finalized && c.Fn == nil {
		return c.Const
	}
	return c.value
}

// A LinearScheduler interpolates linearly from Start to End
// as the tracked status value runs from 0 to Limit, clamping
// outside that range.
type LinearScheduler struct {
	// Key is the tracked status key, e.g. "timesteps".
	Key string

	// Policy selects a per-policy key. Empty means the
	// general registry.
	Policy string

	Limit float64
	Start float64
	End   float64

	value     float64
	finalized bool
}

// Finalize recomputes the interpolated value.
func (l *LinearScheduler) Finalize(status *Status) {
	l.finalized = true
	frac := statusValue(status, l.Policy, l.Key) / l.Limit
	if frac < 0 {
		frac = 0
	} else if frac > 1 {
		frac = 1
	}
	l.value = l.Start + (l.End-l.Start)*frac
}

// Value returns the last finalized value.
func (l *LinearScheduler) Value() float64 {
	if !l.finalized {
		return l.Start
	}
	return l.value
}

// A LinearStepScheduler holds Values[0] until the tracked
// status value reaches Triggers[0], then Values[1] until
// Triggers[1], and so on.
//
// Values must have exactly one more entry than Triggers.
type LinearStepScheduler struct {
	// Key is the tracked status key.
	Key string

	// Policy selects a per-policy key. Empty means the
	// general registry.
	Policy string

	Triggers []float64
	Values   []float64

	value     float64
	finalized bool
}

// Finalize recomputes the stepped value.
func (l *LinearStepScheduler) Finalize(status *Status) {
	if len(l.Values) != len(l.Triggers)+1 {
		panic("step scheduler needs one more value than triggers")
	}
	l.finalized = true
	x := statusValue(status, l.Policy, l.Key)
	l.value = l.Values[0]
	for i, trigger := range l.Triggers {
		if x >= trigger {
			l.value = l.Values[i+1]
		}
	}
}

// Value returns the last finalized value.
func (l *LinearStepScheduler) Value() float64 {
	if !l.finalized && len(l.Values) > 0 {
		return l.Values[0]
	}
	return l.value
}

// A ChangeInStateScheduler reports 1 when the tracked status
// value changed since the previous Finalize and 0 otherwise.
//
// The first observation of the key counts as a change.
type ChangeInStateScheduler struct {
	// Key is the tracked status key, e.g. "extrinsic score
	// avg".
	Key string

	// Policy selects a per-policy key. Empty means the
	// general registry.
	Policy string

	prev    float64
	hasPrev bool
	changed bool
}

// Finalize compares the tracked value to its previous state.
func (c *ChangeInStateScheduler) Finalize(status *Status) {
	x := statusValue(status, c.Policy, c.Key)
	c.changed = !c.hasPrev || x != c.prev
	c.prev = x
	c.hasPrev = true
}

// Value returns 1 after a change and 0 otherwise.
func (c *ChangeInStateScheduler) Value() float64 {
	if c.changed {
		return 1
	}
	return 0
}

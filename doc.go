// Package ppo implements a multi-agent Proximal Policy
// Optimization trainer.
//
// The trainer collects fixed-length trajectory segments from
// batched environments, computes bootstrapped returns and
// generalized advantage estimates, and performs clipped
// surrogate policy updates with optional curiosity-driven
// intrinsic rewards. Updates can be synchronized across a
// group of workers via the dist sub-package.
//
// Heterogeneous agents map to heterogeneous policies through
// a policy mapping function, and agents sharing a policy are
// batched together for inference.
package ppo

package ppo

import (
	"sort"

	"github.com/unixpickle/anyvec"
)

// A PolicyMapper assigns an agent ID to the name of the
// policy that controls it.
type PolicyMapper func(agentID string) string

// SharedPolicy maps every agent to one policy name.
func SharedPolicy(name string) PolicyMapper {
	return func(string) string {
		return name
	}
}

// A Batcher gathers per-agent observation batches into dense
// per-policy row batches and scatters per-policy results back
// to agents.
//
// Rows are agent-major: all environment slots for the first
// agent of a policy, then all slots for the second, and so
// on. The order is fixed at construction so gather and
// scatter always agree.
type Batcher struct {
	creator anyvec.Creator
	numEnvs int

	policyNames    []string
	agentsByPolicy map[string][]string
}

// NewBatcher creates a Batcher for the given agents.
func NewBatcher(c anyvec.Creator, agentIDs []string, mapper PolicyMapper,
	numEnvs int) *Batcher {
	byPolicy := map[string][]string{}
	for _, id := range agentIDs {
		name := mapper(id)
		byPolicy[name] = append(byPolicy[name], id)
	}
	names := make([]string, 0, len(byPolicy))
	for name := range byPolicy {
		names = append(names, name)
	}
	sort.Strings(names)
	return &Batcher{
		creator:        c,
		numEnvs:        numEnvs,
		policyNames:    names,
		agentsByPolicy: byPolicy,
	}
}

// PolicyNames lists the policy names in a fixed order.
func (b *Batcher) PolicyNames() []string {
	return b.policyNames
}

// Agents lists the agents controlled by a policy, in row
// order.
func (b *Batcher) Agents(policy string) []string {
	return b.agentsByPolicy[policy]
}

// RowCount returns the number of rows in a policy's batch.
func (b *Batcher) RowCount(policy string) int {
	return len(b.agentsByPolicy[policy]) * b.numEnvs
}

// GatherRows collects the policy's rows from an agent batch.
func (b *Batcher) GatherRows(policy string, batch AgentBatch) [][]float64 {
	rows := make([][]float64, 0, b.RowCount(policy))
	for _, id := range b.agentsByPolicy[policy] {
		rows = append(rows, batch[id]...)
	}
	return rows
}

// Gather collects the policy's rows into one dense vector.
func (b *Batcher) Gather(policy string, batch AgentBatch) anyvec.Vector {
	rows := b.GatherRows(policy, batch)
	size := 0
	for _, row := range rows {
		size += len(row)
	}
	flat := make([]float64, 0, size)
	for _, row := range rows {
		flat = append(flat, row...)
	}
	return b.creator.MakeVectorData(b.creator.MakeNumericList(flat))
}

// ScatterRows distributes per-policy rows back to the
// policy's agents.
func (b *Batcher) ScatterRows(policy string, rows [][]float64) AgentBatch {
	res := AgentBatch{}
	for i, id := range b.agentsByPolicy[policy] {
		res[id] = rows[i*b.numEnvs : (i+1)*b.numEnvs]
	}
	return res
}

// ScatterValues distributes per-policy scalars back to the
// policy's agents.
func (b *Batcher) ScatterValues(policy string, vals []float64) AgentValues {
	res := AgentValues{}
	for i, id := range b.agentsByPolicy[policy] {
		res[id] = vals[i*b.numEnvs : (i+1)*b.numEnvs]
	}
	return res
}

// SplitRows cuts a dense vector back into its rows.
func SplitRows(vec anyvec.Vector, rows int) [][]float64 {
	data := vectorToFloats(vec)
	if rows == 0 {
		return nil
	}
	cols := len(data) / rows
	res := make([][]float64, rows)
	for i := range res {
		res[i] = data[i*cols : (i+1)*cols]
	}
	return res
}

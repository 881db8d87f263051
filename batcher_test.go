package ppo

import (
	"reflect"
	"testing"

	"github.com/unixpickle/anyvec/anyvec64"
)

func TestBatcherRoundTrip(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	mapper := func(id string) string {
		if id == "runner" {
			return "runners"
		}
		return "blockers"
	}
	b := NewBatcher(c, []string{"runner", "blocker0", "blocker1"}, mapper, 2)

	if !reflect.DeepEqual(b.PolicyNames(), []string{"blockers", "runners"}) {
		t.Fatalf("unexpected policy names: %v", b.PolicyNames())
	}
	if b.RowCount("blockers") != 4 || b.RowCount("runners") != 2 {
		t.Fatal("unexpected row counts")
	}

	batch := AgentBatch{
		"runner":   {{1, 2}, {3, 4}},
		"blocker0": {{5, 6}, {7, 8}},
		"blocker1": {{9, 10}, {11, 12}},
	}

	rows := b.GatherRows("blockers", batch)
	expected := [][]float64{{5, 6}, {7, 8}, {9, 10}, {11, 12}}
	if !reflect.DeepEqual(rows, expected) {
		t.Errorf("expected %v but got %v", expected, rows)
	}

	scattered := b.ScatterRows("blockers", rows)
	for _, id := range []string{"blocker0", "blocker1"} {
		if !reflect.DeepEqual(scattered[id], batch[id]) {
			t.Errorf("agent %s: expected %v but got %v", id, batch[id],
				scattered[id])
		}
	}

	vals := []float64{1, 2, 3, 4}
	values := b.ScatterValues("blockers", vals)
	if !reflect.DeepEqual(values["blocker0"], []float64{1, 2}) ||
		!reflect.DeepEqual(values["blocker1"], []float64{3, 4}) {
		t.Errorf("unexpected scattered values: %v", values)
	}

	dense := b.Gather("blockers", batch)
	split := SplitRows(dense, b.RowCount("blockers"))
	if !reflect.DeepEqual(split, expected) {
		t.Errorf("expected %v but got %v", expected, split)
	}
}

func TestSplitRows(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	vec := c.MakeVectorData(c.MakeNumericList([]float64{1, 2, 3, 4, 5, 6}))
	rows := SplitRows(vec, 3)
	expected := [][]float64{{1, 2}, {3, 4}, {5, 6}}
	if !reflect.DeepEqual(rows, expected) {
		t.Errorf("expected %v but got %v", expected, rows)
	}
}

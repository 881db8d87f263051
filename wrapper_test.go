package ppo

import (
	"fmt"
	"math"
	"reflect"
	"testing"
)

// scriptedMultiEnv is a three-agent environment whose agents
// terminate at scripted step counts.
type scriptedMultiEnv struct {
	doneAt map[string]int

	steps  int
	resets int
}

func (s *scriptedMultiEnv) AgentIDs() []string {
	return []string{"a", "b", "c"}
}

func (s *scriptedMultiEnv) ObservationSpaces() map[string]Space {
	return map[string]Space{
		"a": UniformBox(2, -10, 10),
		"b": UniformBox(3, -10, 10),
		"c": UniformBox(1, -10, 10),
	}
}

func (s *scriptedMultiEnv) ActionSpaces() map[string]Space {
	return map[string]Space{
		"a": UniformBox(1, -1, 1),
		"b": UniformBox(1, -1, 1),
		"c": UniformBox(1, -1, 1),
	}
}

func (s *scriptedMultiEnv) Reset() (map[string][]float64, error) {
	s.resets++
	s.steps = 0
	return s.observe(), nil
}

func (s *scriptedMultiEnv) Step(actions map[string][]float64) (
	map[string][]float64, map[string]float64, map[string]bool,
	map[string]bool, map[string]*StepInfo, error) {
	s.steps++
	rewards := map[string]float64{}
	term := map[string]bool{}
	trunc := map[string]bool{}
	infos := map[string]*StepInfo{}
	for _, id := range s.AgentIDs() {
		rewards[id] = 1
		term[id] = s.steps >= s.doneAt[id]
		trunc[id] = false
		infos[id] = nil
	}
	return s.observe(), rewards, term, trunc, infos, nil
}

func (s *scriptedMultiEnv) observe() map[string][]float64 {
	res := map[string][]float64{}
	sizes := map[string]int{"a": 2, "b": 3, "c": 1}
	for _, id := range s.AgentIDs() {
		obs := make([]float64, sizes[id])
		for i := range obs {
			obs[i] = float64(s.steps + 1)
		}
		res[id] = obs
	}
	return res
}

func TestEnvBatchRefinement(t *testing.T) {
	env := &scriptedMultiEnv{doneAt: map[string]int{"a": 9, "b": 9, "c": 9}}
	batch, err := NewEnvBatch([]AgentEnv{env})
	if err != nil {
		t.Fatal(err)
	}

	// Max agent size is 3, plus the id channel.
	if batch.ObservationSpace().Size() != 4 {
		t.Fatalf("expected obs size 4 but got %d",
			batch.ObservationSpace().Size())
	}
	if batch.CriticSpace().Size() != 12 {
		t.Fatalf("expected critic size 12 but got %d",
			batch.CriticSpace().Size())
	}

	obs, criticObs, err := batch.Reset()
	if err != nil {
		t.Fatal(err)
	}

	// Agent c has one channel; the rest is padding.
	expected := []float64{3.0 / 3, 1, 0, 0}
	if !reflect.DeepEqual(obs["c"][0], expected) {
		t.Errorf("expected %v but got %v", expected, obs["c"][0])
	}

	// The critic observation concatenates all agents' views.
	var combined []float64
	for _, id := range batch.AgentIDs() {
		combined = append(combined, obs[id][0]...)
	}
	if !reflect.DeepEqual(criticObs["a"][0], combined) {
		t.Errorf("expected %v but got %v", combined, criticObs["a"][0])
	}
}

func TestEnvBatchSoftReset(t *testing.T) {
	env := &scriptedMultiEnv{doneAt: map[string]int{"a": 9, "b": 9, "c": 9}}
	batch, err := NewEnvBatch([]AgentEnv{env})
	if err != nil {
		t.Fatal(err)
	}

	obs, _, err := batch.Reset()
	if err != nil {
		t.Fatal(err)
	}
	resets := env.resets

	soft1, _, err := batch.SoftReset()
	if err != nil {
		t.Fatal(err)
	}
	soft2, _, err := batch.SoftReset()
	if err != nil {
		t.Fatal(err)
	}

	if env.resets != resets {
		t.Error("soft reset should not touch the environment")
	}
	if !reflect.DeepEqual(soft1, obs) || !reflect.DeepEqual(soft2, obs) {
		t.Error("soft reset should return the cached observations")
	}
}

func TestEnvBatchDeathMask(t *testing.T) {
	env := &scriptedMultiEnv{doneAt: map[string]int{"a": 1, "b": 1, "c": 3}}
	batch, err := NewEnvBatch([]AgentEnv{env})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := batch.Reset(); err != nil {
		t.Fatal(err)
	}

	actions := AgentBatch{
		"a": {{0}}, "b": {{0}}, "c": {{0}},
	}

	// Step 1: a and b terminate, c keeps going.
	obs, _, rewards, term, trunc, _, err := batch.Step(actions)
	if err != nil {
		t.Fatal(err)
	}
	if term[0] || trunc[0] {
		t.Fatal("slot should not be done while an agent is alive")
	}
	for _, id := range []string{"a", "b"} {
		masked := obs[id][0]
		if masked[0] == 0 {
			t.Errorf("agent %s: id channel should survive masking", id)
		}
		for i, x := range masked[1:] {
			if x != 0 {
				t.Errorf("agent %s: channel %d should be masked but is %f",
					id, i+1, x)
			}
		}
	}

	// Step 2: dead agents contribute zero reward.
	_, _, rewards, term, _, _, err = batch.Step(actions)
	if err != nil {
		t.Fatal(err)
	}
	if rewards["a"][0] != 0 || rewards["b"][0] != 0 {
		t.Error("dead agents should receive zero reward")
	}
	if rewards["c"][0] != 1 {
		t.Error("live agent should keep its reward")
	}
	if term[0] {
		t.Fatal("slot should still be running")
	}

	// Step 3: c terminates, the slot finishes and auto-resets.
	resets := env.resets
	obs, _, _, term, _, infos, err := batch.Step(actions)
	if err != nil {
		t.Fatal(err)
	}
	if !term[0] {
		t.Fatal("slot should be done once every agent is done")
	}
	if env.resets != resets+1 {
		t.Error("finished slot should auto-reset")
	}
	if infos["c"][0].TerminalObservation == nil {
		t.Error("terminal observation should be stashed in the step info")
	}
	// The returned observation belongs to the fresh episode.
	if obs["c"][0][1] != 1 {
		t.Errorf("expected fresh observation but got %v", obs["c"][0])
	}
}

// globalStateEnv is a scriptedMultiEnv that publishes a
// compact global state smaller than the concatenation of the
// agents' local observations.
type globalStateEnv struct {
	scriptedMultiEnv
}

func (g *globalStateEnv) GlobalStateSpace() Space {
	return UniformBox(2, -10, 10)
}

func (g *globalStateEnv) GlobalState() map[string][]float64 {
	res := map[string][]float64{}
	for _, id := range g.AgentIDs() {
		res[id] = []float64{float64(g.steps), float64(g.steps)}
	}
	return res
}

func TestEnvBatchTerminalCriticObs(t *testing.T) {
	env := &globalStateEnv{scriptedMultiEnv{
		doneAt: map[string]int{"a": 2, "b": 2, "c": 2},
	}}
	batch, err := NewEnvBatch([]AgentEnv{env})
	if err != nil {
		t.Fatal(err)
	}
	if batch.CriticSpace().Size() != 2 {
		t.Fatalf("expected critic size 2 but got %d",
			batch.CriticSpace().Size())
	}
	if _, _, err := batch.Reset(); err != nil {
		t.Fatal(err)
	}

	actions := AgentBatch{"a": {{0}}, "b": {{0}}, "c": {{0}}}
	if _, _, _, _, _, _, err := batch.Step(actions); err != nil {
		t.Fatal(err)
	}
	_, criticObs, _, term, _, infos, err := batch.Step(actions)
	if err != nil {
		t.Fatal(err)
	}
	if !term[0] {
		t.Fatal("slot should be done after two steps")
	}

	// The stashed critic observation is the global state from
	// before the auto-reset; the returned one already belongs
	// to the fresh episode.
	for _, id := range batch.AgentIDs() {
		stashed := infos[id][0].TerminalCriticObservation
		if !reflect.DeepEqual(stashed, []float64{2, 2}) {
			t.Errorf("agent %s: expected stashed critic obs [2 2] but "+
				"got %v", id, stashed)
		}
	}
	if !reflect.DeepEqual(criticObs["a"][0], []float64{0, 0}) {
		t.Errorf("expected fresh critic obs [0 0] but got %v",
			criticObs["a"][0])
	}
}

func TestObservationNormalizerRoundTrip(t *testing.T) {
	env := &scriptedMultiEnv{doneAt: map[string]int{"a": 9, "b": 9, "c": 9}}
	batch, err := NewEnvBatch([]AgentEnv{env})
	if err != nil {
		t.Fatal(err)
	}
	norm := NewObservationNormalizer(batch)

	if _, _, err := norm.Reset(); err != nil {
		t.Fatal(err)
	}
	actions := AgentBatch{"a": {{0}}, "b": {{0}}, "c": {{0}}}
	var last AgentBatch
	for i := 0; i < 20; i++ {
		last, _, _, _, _, _, err = norm.Step(actions)
		if err != nil {
			t.Fatal(err)
		}
	}

	for _, x := range last["a"][0] {
		if math.Abs(x) > 10 {
			t.Errorf("normalized observation out of range: %f", x)
		}
	}
}

func TestRewardNormalizerNaturalReward(t *testing.T) {
	env := &scriptedMultiEnv{doneAt: map[string]int{"a": 9, "b": 9, "c": 9}}
	batch, err := NewEnvBatch([]AgentEnv{env})
	if err != nil {
		t.Fatal(err)
	}
	norm := NewRewardNormalizer(batch, 0.99)

	if _, _, err := norm.Reset(); err != nil {
		t.Fatal(err)
	}
	actions := AgentBatch{"a": {{0}}, "b": {{0}}, "c": {{0}}}
	_, _, _, _, _, infos, err := norm.Step(actions)
	if err != nil {
		t.Fatal(err)
	}
	if infos["a"][0].NaturalReward == nil {
		t.Fatal("natural reward should be preserved")
	}
	if *infos["a"][0].NaturalReward != 1 {
		t.Errorf("expected natural reward 1 but got %f",
			*infos["a"][0].NaturalReward)
	}
}

func TestRewardClipper(t *testing.T) {
	env := &scriptedMultiEnv{doneAt: map[string]int{"a": 9, "b": 9, "c": 9}}
	batch, err := NewEnvBatch([]AgentEnv{env})
	if err != nil {
		t.Fatal(err)
	}
	clipper := &RewardClipper{BatchEnv: batch, Bound: 0.5}

	if _, _, err := clipper.Reset(); err != nil {
		t.Fatal(err)
	}
	actions := AgentBatch{"a": {{0}}, "b": {{0}}, "c": {{0}}}
	_, _, rewards, _, _, _, err := clipper.Step(actions)
	if err != nil {
		t.Fatal(err)
	}
	if rewards["a"][0] != 0.5 {
		t.Errorf("expected clipped reward 0.5 but got %f", rewards["a"][0])
	}
}

func ExampleSingleAgentEnv() {
	env := &SingleAgentEnv{
		Env:      &countingEnv{limit: 2},
		ObsSpace: UniformBox(1, 0, 10),
		ActSpace: UniformBox(1, -1, 1),
	}
	obs, _ := env.Reset()
	fmt.Println(obs["agent0"])
	// Output: [0]
}

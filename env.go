package ppo

// A StepInfo carries auxiliary data produced by one
// environment step.
type StepInfo struct {
	// NaturalReward is the unmodified reward before any
	// wrapper touches it. Nil when no wrapper rewrote the
	// reward.
	NaturalReward *float64

	// TerminalObservation is the final observation of an
	// episode that ended this step, stashed here because
	// the returned observation already belongs to the next
	// episode.
	TerminalObservation []float64

	// TerminalCriticObservation is the critic observation
	// matching TerminalObservation, captured before any
	// automatic reset replaces the global state.
	TerminalCriticObservation []float64
}

// An Env is a single-agent environment.
//
// Observations and actions are flat []float64 vectors.
// Discrete actions arrive as a single-element vector holding
// the choice index.
type Env interface {
	Reset() ([]float64, error)
	Step(action []float64) (obs []float64, reward float64,
		terminated, truncated bool, info *StepInfo, err error)
}

// An AgentEnv is a multi-agent environment keyed by agent ID.
//
// Every map returned from Reset and Step has exactly the IDs
// returned by AgentIDs. Terminated and truncated are reported
// per agent; an episode ends for the whole environment only
// when every agent is done.
type AgentEnv interface {
	// AgentIDs lists the agents in a fixed order.
	AgentIDs() []string

	// ObservationSpaces returns the per-agent observation
	// spaces, indexed like AgentIDs.
	ObservationSpaces() map[string]Space

	// ActionSpaces returns the per-agent action spaces,
	// indexed like AgentIDs.
	ActionSpaces() map[string]Space

	Reset() (map[string][]float64, error)
	Step(actions map[string][]float64) (obs map[string][]float64,
		rewards map[string]float64, terminated, truncated map[string]bool,
		infos map[string]*StepInfo, err error)
}

// A GlobalStater is an AgentEnv that provides its own global
// critic observation instead of the default concatenation of
// the agents' local observations.
//
// The capability is probed once when the environment is
// wrapped, never per step.
type GlobalStater interface {
	GlobalStateSpace() Space
	GlobalState() map[string][]float64
}

// An ObservationAugmenter is an AgentEnv whose observations
// must pass through an extra transform after refinement.
type ObservationAugmenter interface {
	AugmentObservation(agentID string, obs []float64) []float64
}

// An InfoPersister is an AgentEnv that wants specific keys of
// its step info carried across auto-resets.
type InfoPersister interface {
	PersistentInfo() map[string]*StepInfo
}

// An InfoSaver is an AgentEnv with its own persistent state,
// saved and restored alongside the wrapper statistics.
type InfoSaver interface {
	SaveInfo(dir string) error
	LoadInfo(dir string) error
}

// SingleAgentEnv adapts an Env to the AgentEnv interface
// under a single agent ID.
type SingleAgentEnv struct {
	Env Env

	// ID is the agent ID. Defaults to "agent0".
	ID string

	// ObsSpace and ActSpace describe the wrapped spaces.
	ObsSpace Space
	ActSpace Space
}

// AgentIDs returns the single agent ID.
func (s *SingleAgentEnv) AgentIDs() []string {
	return []string{s.id()}
}

// ObservationSpaces returns the observation space map.
func (s *SingleAgentEnv) ObservationSpaces() map[string]Space {
	return map[string]Space{s.id(): s.ObsSpace}
}

// ActionSpaces returns the action space map.
func (s *SingleAgentEnv) ActionSpaces() map[string]Space {
	return map[string]Space{s.id(): s.ActSpace}
}

// Reset resets the wrapped environment.
func (s *SingleAgentEnv) Reset() (map[string][]float64, error) {
	obs, err := s.Env.Reset()
	if err != nil {
		return nil, err
	}
	return map[string][]float64{s.id(): obs}, nil
}

// Step steps the wrapped environment.
func (s *SingleAgentEnv) Step(actions map[string][]float64) (
	map[string][]float64, map[string]float64, map[string]bool,
	map[string]bool, map[string]*StepInfo, error) {
	obs, reward, term, trunc, info, err := s.Env.Step(actions[s.id()])
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	id := s.id()
	return map[string][]float64{id: obs},
		map[string]float64{id: reward},
		map[string]bool{id: term},
		map[string]bool{id: trunc},
		map[string]*StepInfo{id: info},
		nil
}

func (s *SingleAgentEnv) id() string {
	if s.ID == "" {
		return "agent0"
	}
	return s.ID
}

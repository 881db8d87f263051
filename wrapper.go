package ppo

import (
	"errors"
	"log"
	"path/filepath"

	"github.com/unixpickle/essentials"
)

var errNoEnvironments = errors.New("no environments given")

// An AgentBatch maps agent IDs to one vector per environment
// slot.
type AgentBatch map[string][][]float64

// AgentValues maps agent IDs to one scalar per environment
// slot.
type AgentValues map[string][]float64

// AgentInfos maps agent IDs to one StepInfo per environment
// slot.
type AgentInfos map[string][]*StepInfo

// A BatchEnv steps a batch of multi-agent environments in
// lockstep behind refined, padded spaces.
//
// Terminated and truncated are combined per environment
// slot: a slot is done only once every agent in it is done.
type BatchEnv interface {
	AgentIDs() []string
	BatchSize() int

	ObservationSpace() Space
	CriticSpace() Space
	ActionSpace() Space

	Reset() (obs, criticObs AgentBatch, err error)
	Step(actions AgentBatch) (obs, criticObs AgentBatch,
		rewards AgentValues, terminated, truncated []bool,
		infos AgentInfos, err error)

	// SoftReset returns the cached observations from the
	// last Reset or Step without disturbing the
	// environments. Idempotent; falls back to Reset when
	// nothing is cached.
	SoftReset() (obs, criticObs AgentBatch, err error)

	// SaveInfo and LoadInfo persist wrapper state (such as
	// normalizer statistics) under a directory.
	SaveInfo(dir string) error
	LoadInfo(dir string) error
}

// An EnvBatch is the base BatchEnv over a slice of
// AgentEnv instances.
type EnvBatch struct {
	envs     []AgentEnv
	agentIDs []string

	obsSpace    Space
	criticSpace Space
	actSpace    Space

	agentObsSpaces map[string]Space
	agentActSpaces map[string]Space

	globalStater  GlobalStater
	augmenter     ObservationAugmenter
	infoPersister InfoPersister
	infoSaver     InfoSaver

	// deadAgents[env][agent] marks agents that finished
	// before their environment slot did.
	deadAgents []map[string]bool

	// deadTrunc[env][agent] records whether a dead agent
	// left by truncation.
	deadTrunc []map[string]bool

	cachedObs       AgentBatch
	cachedCriticObs AgentBatch
}

// NewEnvBatch builds an EnvBatch over the given
// environments, refining their spaces into shared padded
// spaces with a prepended agent-id channel.
//
// All environments must expose the same agents.
func NewEnvBatch(envs []AgentEnv) (*EnvBatch, error) {
	if len(envs) == 0 {
		return nil, essentials.AddCtx("create env batch",
			errNoEnvironments)
	}
	first := envs[0]
	ids := first.AgentIDs()

	obsSpaces := first.ObservationSpaces()
	actSpaces := first.ActionSpaces()

	obsList := make([]Space, len(ids))
	actList := make([]Space, len(ids))
	for i, id := range ids {
		obsList[i] = obsSpaces[id]
		actList[i] = actSpaces[id]
	}

	obsSpace, err := RefineSpaces(obsList, true)
	if err != nil {
		return nil, essentials.AddCtx("create env batch", err)
	}
	actSpace, err := RefineSpaces(actList, false)
	if err != nil {
		return nil, essentials.AddCtx("create env batch", err)
	}

	b := &EnvBatch{
		envs:           envs,
		agentIDs:       ids,
		obsSpace:       obsSpace,
		actSpace:       actSpace,
		agentObsSpaces: obsSpaces,
		agentActSpaces: actSpaces,
		deadAgents:     make([]map[string]bool, len(envs)),
		deadTrunc:      make([]map[string]bool, len(envs)),
	}
	for i := range b.deadAgents {
		b.deadAgents[i] = map[string]bool{}
		b.deadTrunc[i] = map[string]bool{}
	}

	if gs, ok := first.(GlobalStater); ok {
		b.globalStater = gs
		b.criticSpace = gs.GlobalStateSpace()
	} else {
		b.criticSpace = UniformBox(obsSpace.Size()*len(ids), -1, 1)
	}
	if aug, ok := first.(ObservationAugmenter); ok {
		b.augmenter = aug
	}
	if ip, ok := first.(InfoPersister); ok {
		b.infoPersister = ip
	}
	if is, ok := first.(InfoSaver); ok {
		b.infoSaver = is
	}

	return b, nil
}

// AgentIDs returns the agent IDs in a fixed order.
func (b *EnvBatch) AgentIDs() []string {
	return b.agentIDs
}

// BatchSize returns the number of environment slots.
func (b *EnvBatch) BatchSize() int {
	return len(b.envs)
}

// ObservationSpace returns the shared refined observation
// space.
func (b *EnvBatch) ObservationSpace() Space {
	return b.obsSpace
}

// CriticSpace returns the shared critic observation space.
func (b *EnvBatch) CriticSpace() Space {
	return b.criticSpace
}

// ActionSpace returns the shared refined action space.
func (b *EnvBatch) ActionSpace() Space {
	return b.actSpace
}

// Reset resets every environment slot.
func (b *EnvBatch) Reset() (AgentBatch, AgentBatch, error) {
	obs := b.emptyBatch()
	for e, env := range b.envs {
		rawObs, err := env.Reset()
		if err != nil {
			return nil, nil, essentials.AddCtx("reset env batch", err)
		}
		for _, id := range b.agentIDs {
			obs[id][e] = b.refineObs(id, rawObs[id])
		}
		b.deadAgents[e] = map[string]bool{}
		b.deadTrunc[e] = map[string]bool{}
	}
	criticObs := b.buildCriticObs(obs)
	b.cachedObs = obs
	b.cachedCriticObs = criticObs
	return obs, criticObs, nil
}

// SoftReset returns the last cached observations.
func (b *EnvBatch) SoftReset() (AgentBatch, AgentBatch, error) {
	if b.cachedObs == nil {
		return b.Reset()
	}
	return b.cachedObs, b.cachedCriticObs, nil
}

// Step steps every environment slot.
func (b *EnvBatch) Step(actions AgentBatch) (AgentBatch, AgentBatch,
	AgentValues, []bool, []bool, AgentInfos, error) {
	numEnvs := len(b.envs)
	obs := b.emptyBatch()
	rewards := AgentValues{}
	infos := AgentInfos{}
	for _, id := range b.agentIDs {
		rewards[id] = make([]float64, numEnvs)
		infos[id] = make([]*StepInfo, numEnvs)
	}
	terminated := make([]bool, numEnvs)
	truncated := make([]bool, numEnvs)

	for e, env := range b.envs {
		envActions := map[string][]float64{}
		for _, id := range b.agentIDs {
			envActions[id] = b.unpadAction(id, actions[id][e])
		}

		rawObs, rawRewards, term, trunc, rawInfos, err := env.Step(envActions)
		if err != nil {
			return nil, nil, nil, nil, nil, nil,
				essentials.AddCtx("step env batch", err)
		}

		agentTerm := map[string]bool{}
		agentTrunc := map[string]bool{}
		allDone := true
		anyTrunc := false
		allTrunc := true
		for _, id := range b.agentIDs {
			t := term[id] || (b.deadAgents[e][id] && !b.deadTrunc[e][id])
			tr := trunc[id] || (b.deadAgents[e][id] && b.deadTrunc[e][id])
			if t && tr {
				log.Printf("env %d agent %s reported both terminated and "+
					"truncated; treating as truncated", e, id)
				t = false
			}
			agentTerm[id] = t
			agentTrunc[id] = tr
			if !t && !tr {
				allDone = false
			}
			if tr {
				anyTrunc = true
			} else {
				allTrunc = false
			}
		}

		if anyTrunc && !allTrunc {
			essentials.Die("env", e, "truncated for some agents but not "+
				"others; partial truncation is not supported")
		}

		for _, id := range b.agentIDs {
			if b.deadAgents[e][id] {
				obs[id][e] = b.deadObs(id)
				rewards[id][e] = 0
				infos[id][e] = &StepInfo{}
				continue
			}

			obs[id][e] = b.refineObs(id, rawObs[id])
			rewards[id][e] = rawRewards[id]
			info := rawInfos[id]
			if info == nil {
				info = &StepInfo{}
			}
			infos[id][e] = info

			if (agentTerm[id] || agentTrunc[id]) && !allDone {
				b.deadAgents[e][id] = true
				b.deadTrunc[e][id] = agentTrunc[id]
				infos[id][e].TerminalObservation = obs[id][e]
				obs[id][e] = b.deadObs(id)
			}
		}

		if allDone {
			terminated[e] = !anyTrunc
			truncated[e] = anyTrunc
			for _, id := range b.agentIDs {
				if infos[id][e].TerminalObservation == nil {
					infos[id][e].TerminalObservation = obs[id][e]
				} else {
					infos[id][e].TerminalObservation = b.refineObs(id,
						infos[id][e].TerminalObservation)
				}
			}
			for id, critic := range b.terminalCriticObs(env, infos, e) {
				infos[id][e].TerminalCriticObservation = critic
			}
			freshObs, err := env.Reset()
			if err != nil {
				return nil, nil, nil, nil, nil, nil,
					essentials.AddCtx("step env batch", err)
			}
			for _, id := range b.agentIDs {
				obs[id][e] = b.refineObs(id, freshObs[id])
			}
			b.deadAgents[e] = map[string]bool{}
			b.deadTrunc[e] = map[string]bool{}

			// Persistent info survives the automatic reset.
			if b.infoPersister != nil {
				for id, p := range b.infoPersister.PersistentInfo() {
					if p == nil || infos[id] == nil {
						continue
					}
					if infos[id][e].NaturalReward == nil {
						infos[id][e].NaturalReward = p.NaturalReward
					}
				}
			}
		}
	}

	criticObs := b.buildCriticObs(obs)
	b.cachedObs = obs
	b.cachedCriticObs = criticObs
	return obs, criticObs, rewards, terminated, truncated, infos, nil
}

// SaveInfo delegates to the environment's own state saver,
// if it has one.
func (b *EnvBatch) SaveInfo(dir string) error {
	if b.infoSaver != nil {
		return b.infoSaver.SaveInfo(dir)
	}
	return nil
}

// LoadInfo delegates to the environment's own state loader,
// if it has one.
func (b *EnvBatch) LoadInfo(dir string) error {
	if b.infoSaver != nil {
		return b.infoSaver.LoadInfo(dir)
	}
	return nil
}

func (b *EnvBatch) emptyBatch() AgentBatch {
	res := AgentBatch{}
	for _, id := range b.agentIDs {
		res[id] = make([][]float64, len(b.envs))
	}
	return res
}

// refineObs pads an agent's raw observation to the shared
// size and prepends the agent-id channel.
func (b *EnvBatch) refineObs(id string, raw []float64) []float64 {
	padded := PadVector(raw, b.obsSpace.Size()-1)
	res := make([]float64, b.obsSpace.Size())
	res[0] = b.agentID(id)
	copy(res[1:], padded)
	if b.augmenter != nil {
		res = b.augmenter.AugmentObservation(id, res)
	}
	return res
}

// deadObs is the masked observation for an agent whose
// episode already ended: all zero except the id channel.
func (b *EnvBatch) deadObs(id string) []float64 {
	res := make([]float64, b.obsSpace.Size())
	res[0] = b.agentID(id)
	return res
}

func (b *EnvBatch) agentID(id string) float64 {
	for i, other := range b.agentIDs {
		if other == id {
			return float64(i+1) / float64(len(b.agentIDs))
		}
	}
	return 0
}

func (b *EnvBatch) unpadAction(id string, action []float64) []float64 {
	space := b.agentActSpaces[id]
	if space.Type == DiscreteType {
		return action
	}
	if len(action) > space.Size() {
		return action[:space.Size()]
	}
	return action
}

// terminalCriticObs builds the critic observations of a
// finished environment slot from the agents' stashed terminal
// observations, before the slot resets and the global state
// moves on to the next episode.
func (b *EnvBatch) terminalCriticObs(env AgentEnv, infos AgentInfos,
	e int) map[string][]float64 {
	res := map[string][]float64{}
	if gs, ok := env.(GlobalStater); b.globalStater != nil && ok {
		global := gs.GlobalState()
		for _, id := range b.agentIDs {
			res[id] = PadVector(global[id], b.criticSpace.Size())
		}
		return res
	}
	combined := make([]float64, 0, b.criticSpace.Size())
	for _, id := range b.agentIDs {
		combined = append(combined, infos[id][e].TerminalObservation...)
	}
	for _, id := range b.agentIDs {
		res[id] = combined
	}
	return res
}

func (b *EnvBatch) buildCriticObs(obs AgentBatch) AgentBatch {
	res := b.emptyBatch()
	if b.globalStater != nil {
		global := b.globalStater.GlobalState()
		for _, id := range b.agentIDs {
			for e := range b.envs {
				res[id][e] = PadVector(global[id], b.criticSpace.Size())
			}
		}
		return res
	}
	for e := range b.envs {
		combined := make([]float64, 0, b.criticSpace.Size())
		for _, id := range b.agentIDs {
			combined = append(combined, obs[id][e]...)
		}
		for _, id := range b.agentIDs {
			res[id][e] = combined
		}
	}
	return res
}

// An ObservationNormalizer wraps a BatchEnv and maps every
// observation through running mean/variance statistics.
type ObservationNormalizer struct {
	BatchEnv

	// UpdateStats controls whether observations continue to
	// refine the statistics. Disable for evaluation.
	UpdateStats bool

	ObsStat    *RunningStat
	CriticStat *RunningStat
}

// NewObservationNormalizer wraps env with fresh statistics.
func NewObservationNormalizer(env BatchEnv) *ObservationNormalizer {
	return &ObservationNormalizer{
		BatchEnv:    env,
		UpdateStats: true,
		ObsStat:     NewRunningStat(env.ObservationSpace().Size()),
		CriticStat:  NewRunningStat(env.CriticSpace().Size()),
	}
}

// Reset resets the wrapped batch and normalizes the result.
func (o *ObservationNormalizer) Reset() (AgentBatch, AgentBatch, error) {
	obs, criticObs, err := o.BatchEnv.Reset()
	if err != nil {
		return nil, nil, err
	}
	return o.normalize(obs, criticObs)
}

// SoftReset soft-resets the wrapped batch and normalizes the
// result without updating the statistics.
func (o *ObservationNormalizer) SoftReset() (AgentBatch, AgentBatch, error) {
	obs, criticObs, err := o.BatchEnv.SoftReset()
	if err != nil {
		return nil, nil, err
	}
	update := o.UpdateStats
	o.UpdateStats = false
	defer func() {
		o.UpdateStats = update
	}()
	return o.normalize(obs, criticObs)
}

// Step steps the wrapped batch and normalizes the resulting
// observations, including stashed terminal observations.
func (o *ObservationNormalizer) Step(actions AgentBatch) (AgentBatch,
	AgentBatch, AgentValues, []bool, []bool, AgentInfos, error) {
	obs, criticObs, rewards, term, trunc, infos, err :=
		o.BatchEnv.Step(actions)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	for _, id := range o.AgentIDs() {
		for e, info := range infos[id] {
			if info == nil {
				continue
			}
			if info.TerminalObservation != nil {
				infos[id][e].TerminalObservation =
					o.ObsStat.Normalize(info.TerminalObservation)
			}
			if info.TerminalCriticObservation != nil {
				infos[id][e].TerminalCriticObservation =
					o.CriticStat.Normalize(info.TerminalCriticObservation)
			}
		}
	}
	obs, criticObs, err = o.normalize(obs, criticObs)
	return obs, criticObs, rewards, term, trunc, infos, err
}

// SaveInfo writes the statistics files under dir.
func (o *ObservationNormalizer) SaveInfo(dir string) error {
	if err := o.ObsStat.SaveInfo(filepath.Join(dir, "obs_stats.json")); err != nil {
		return err
	}
	if err := o.CriticStat.SaveInfo(filepath.Join(dir, "critic_stats.json")); err != nil {
		return err
	}
	return o.BatchEnv.SaveInfo(dir)
}

// LoadInfo restores the statistics files from dir.
func (o *ObservationNormalizer) LoadInfo(dir string) error {
	if err := o.ObsStat.LoadInfo(filepath.Join(dir, "obs_stats.json")); err != nil {
		return err
	}
	if err := o.CriticStat.LoadInfo(filepath.Join(dir, "critic_stats.json")); err != nil {
		return err
	}
	return o.BatchEnv.LoadInfo(dir)
}

func (o *ObservationNormalizer) normalize(obs,
	criticObs AgentBatch) (AgentBatch, AgentBatch, error) {
	if o.UpdateStats {
		for _, id := range o.AgentIDs() {
			o.ObsStat.Update(obs[id])
			o.CriticStat.Update(criticObs[id])
		}
	}
	resObs := AgentBatch{}
	resCritic := AgentBatch{}
	for _, id := range o.AgentIDs() {
		resObs[id] = make([][]float64, len(obs[id]))
		resCritic[id] = make([][]float64, len(criticObs[id]))
		for e := range obs[id] {
			resObs[id][e] = o.ObsStat.Normalize(obs[id][e])
			resCritic[id][e] = o.CriticStat.Normalize(criticObs[id][e])
		}
	}
	return resObs, resCritic, nil
}

// A RewardNormalizer wraps a BatchEnv and scales rewards by
// the standard deviation of the running discounted return.
//
// The unmodified reward is preserved in the step info as the
// natural reward when no inner wrapper already set one.
type RewardNormalizer struct {
	BatchEnv

	Stat *RewardStat
}

// NewRewardNormalizer wraps env with fresh return statistics.
func NewRewardNormalizer(env BatchEnv, gamma float64) *RewardNormalizer {
	return &RewardNormalizer{
		BatchEnv: env,
		Stat: NewRewardStat(env.BatchSize()*len(env.AgentIDs()),
			gamma),
	}
}

// Step steps the wrapped batch and normalizes the rewards.
func (r *RewardNormalizer) Step(actions AgentBatch) (AgentBatch,
	AgentBatch, AgentValues, []bool, []bool, AgentInfos, error) {
	obs, criticObs, rewards, term, trunc, infos, err :=
		r.BatchEnv.Step(actions)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}

	ids := r.AgentIDs()
	numEnvs := r.BatchSize()
	flat := make([]float64, 0, len(ids)*numEnvs)
	dones := make([]bool, 0, len(ids)*numEnvs)
	for _, id := range ids {
		for e, rew := range rewards[id] {
			flat = append(flat, rew)
			dones = append(dones, term[e] || trunc[e])
		}
	}
	normalized := r.Stat.Normalize(flat, dones)

	i := 0
	for _, id := range ids {
		for e := range rewards[id] {
			if infos[id][e] == nil {
				infos[id][e] = &StepInfo{}
			}
			if infos[id][e].NaturalReward == nil {
				natural := rewards[id][e]
				infos[id][e].NaturalReward = &natural
			}
			rewards[id][e] = normalized[i]
			i++
		}
	}
	return obs, criticObs, rewards, term, trunc, infos, nil
}

// SaveInfo writes the return statistics under dir.
func (r *RewardNormalizer) SaveInfo(dir string) error {
	path := filepath.Join(dir, "reward_stats.json")
	if err := r.Stat.Stat.SaveInfo(path); err != nil {
		return err
	}
	return r.BatchEnv.SaveInfo(dir)
}

// LoadInfo restores the return statistics from dir.
func (r *RewardNormalizer) LoadInfo(dir string) error {
	path := filepath.Join(dir, "reward_stats.json")
	if err := r.Stat.Stat.LoadInfo(path); err != nil {
		return err
	}
	return r.BatchEnv.LoadInfo(dir)
}

// An ObservationClipper wraps a BatchEnv and clips every
// observation channel to [-Bound, Bound].
type ObservationClipper struct {
	BatchEnv

	Bound float64
}

// Reset resets the wrapped batch and clips the result.
func (o *ObservationClipper) Reset() (AgentBatch, AgentBatch, error) {
	obs, criticObs, err := o.BatchEnv.Reset()
	return o.clipBatch(obs), o.clipBatch(criticObs), err
}

// SoftReset soft-resets the wrapped batch and clips the
// result.
func (o *ObservationClipper) SoftReset() (AgentBatch, AgentBatch, error) {
	obs, criticObs, err := o.BatchEnv.SoftReset()
	return o.clipBatch(obs), o.clipBatch(criticObs), err
}

// Step steps the wrapped batch and clips the observations.
func (o *ObservationClipper) Step(actions AgentBatch) (AgentBatch,
	AgentBatch, AgentValues, []bool, []bool, AgentInfos, error) {
	obs, criticObs, rewards, term, trunc, infos, err :=
		o.BatchEnv.Step(actions)
	return o.clipBatch(obs), o.clipBatch(criticObs), rewards, term,
		trunc, infos, err
}

func (o *ObservationClipper) clipBatch(batch AgentBatch) AgentBatch {
	if batch == nil {
		return nil
	}
	for _, vecs := range batch {
		for _, vec := range vecs {
			clipInPlace(vec, o.Bound)
		}
	}
	return batch
}

// A RewardClipper wraps a BatchEnv and clips every reward to
// [-Bound, Bound].
type RewardClipper struct {
	BatchEnv

	Bound float64
}

// Step steps the wrapped batch and clips the rewards.
func (r *RewardClipper) Step(actions AgentBatch) (AgentBatch,
	AgentBatch, AgentValues, []bool, []bool, AgentInfos, error) {
	obs, criticObs, rewards, term, trunc, infos, err :=
		r.BatchEnv.Step(actions)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	for _, rews := range rewards {
		clipInPlace(rews, r.Bound)
	}
	return obs, criticObs, rewards, term, trunc, infos, nil
}

func clipInPlace(vec []float64, bound float64) {
	for i, x := range vec {
		if x > bound {
			vec[i] = bound
		} else if x < -bound {
			vec[i] = -bound
		}
	}
}

package ppo

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/lior10r/ppo-and-friends/dist"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
)

// A TrainerConfig configures a Trainer.
type TrainerConfig struct {
	Creator anyvec.Creator

	// Env is this worker's batched environment. It may be
	// nil for a trainer that only loads checkpoints for
	// inference, but a rollout without an environment is
	// fatal.
	Env BatchEnv

	// Policies maps policy names to their Policy.
	Policies map[string]*Policy

	// Mapper assigns agents to policies.
	Mapper PolicyMapper

	// TsPerRollout is the total number of environment
	// steps collected per rollout across all workers.
	TsPerRollout int

	// MaxTsPerEpisode caps episode length inside a
	// rollout. If 0, episodes run until the rollout budget
	// flushes them.
	MaxTsPerEpisode int

	// Epochs is the number of passes over each rollout.
	// If 0, the default is 10.
	Epochs int

	// MinibatchSize is the number of transitions per
	// update. If 0, the default is 64.
	MinibatchSize int

	// RecalcAdvantages recomputes advantages from updated
	// value estimates after every epoch.
	RecalcAdvantages bool

	// ExtRewardWeight scales extrinsic rewards in the
	// training reward. If nil, the weight is 1.
	ExtRewardWeight Scheduler

	// SoftResets decides per iteration whether rollouts
	// resume from cached observations. Must be a
	// *CallableValue or *LinearStepScheduler when set.
	SoftResets Scheduler

	// SaveWhen gates checkpointing. Must be a
	// *ChangeInStateScheduler when set; when nil, every
	// iteration checkpoints.
	SaveWhen Scheduler

	// StateDir is where checkpoints, statistics, and score
	// logs live.
	StateDir string

	// Dist is this worker's group handle. If nil, a
	// single-worker group is used.
	Dist *dist.Context
}

// A Trainer runs the iteration loop: rollout, per-policy
// updates, scheduler finalization, and checkpointing.
type Trainer struct {
	cfg    TrainerConfig
	dctx   *dist.Context
	roller *Roller
	status *Status

	startTime time.Time
}

// NewTrainer validates a config and builds a Trainer.
//
// Misconfiguration is fatal rather than recoverable: a bad
// scheduler type or an uneven worker split silently corrupts
// a long training run if allowed through.
func NewTrainer(cfg TrainerConfig) (*Trainer, error) {
	if len(cfg.Policies) == 0 {
		return nil, fmt.Errorf("new trainer: no policies given")
	}
	if cfg.Creator == nil {
		return nil, fmt.Errorf("new trainer: creator is required")
	}
	if cfg.Mapper == nil {
		return nil, fmt.Errorf("new trainer: policy mapper is required")
	}
	if cfg.TsPerRollout <= 0 {
		return nil, fmt.Errorf("new trainer: ts per rollout must be positive")
	}
	for name, p := range cfg.Policies {
		if p.LR == nil {
			return nil, fmt.Errorf("new trainer: policy %q has no learning "+
				"rate schedule", name)
		}
		if p.ICMModule != nil && p.ICMLR == nil {
			return nil, fmt.Errorf("new trainer: policy %q enables curiosity "+
				"but has no ICM learning rate schedule", name)
		}
	}

	if cfg.SaveWhen != nil {
		if _, ok := cfg.SaveWhen.(*ChangeInStateScheduler); !ok {
			essentials.Die("new trainer: SaveWhen must be a " +
				"*ChangeInStateScheduler")
		}
	}
	if cfg.SoftResets != nil {
		switch cfg.SoftResets.(type) {
		case *CallableValue, *LinearStepScheduler:
		default:
			essentials.Die("new trainer: SoftResets must be a " +
				"*CallableValue or *LinearStepScheduler")
		}
	}

	dctx := cfg.Dist
	if dctx == nil {
		dctx = dist.Single()
	}

	tsPerRank := cfg.TsPerRollout / dctx.Size()
	if cfg.TsPerRollout%dctx.Size() != 0 {
		log.Printf("ts per rollout (%d) is not divisible by the worker "+
			"count (%d); each worker collects %d steps",
			cfg.TsPerRollout, dctx.Size(), tsPerRank)
	}

	var agentIDs []string
	if cfg.Env != nil {
		agentIDs = cfg.Env.AgentIDs()
	} else {
		for name := range cfg.Policies {
			agentIDs = append(agentIDs, name)
		}
	}

	batchSize := 1
	if cfg.Env != nil {
		batchSize = cfg.Env.BatchSize()
	}

	t := &Trainer{
		cfg:    cfg,
		dctx:   dctx,
		status: NewStatus(),
		roller: &Roller{
			Env:             cfg.Env,
			Batcher:         NewBatcher(cfg.Creator, agentIDs, cfg.Mapper, batchSize),
			Policies:        cfg.Policies,
			TsPerRollout:    tsPerRank,
			MaxTsPerEpisode: cfg.MaxTsPerEpisode,
			ExtRewardWeight: cfg.ExtRewardWeight,
			SoftResets:      cfg.SoftResets,
		},
	}

	for _, name := range t.roller.Batcher.PolicyNames() {
		if cfg.Policies[name] == nil {
			return nil, fmt.Errorf("new trainer: mapper references "+
				"unknown policy %q", name)
		}
	}

	return t, nil
}

// Status returns the live status registry.
func (t *Trainer) Status() *Status {
	return t.status
}

// SetEnv attaches an environment, e.g. after loading a
// checkpointed trainer that was built without one.
func (t *Trainer) SetEnv(env BatchEnv) {
	t.cfg.Env = env
	t.roller.Env = env
	t.roller.Batcher = NewBatcher(t.cfg.Creator, env.AgentIDs(),
		t.cfg.Mapper, env.BatchSize())
	t.roller.epTs = nil
}

// Learn runs iterations until the global timestep counter
// reaches numTimesteps.
func (t *Trainer) Learn(numTimesteps int) (err error) {
	defer essentials.AddCtxTo("learn", &err)
	if t.startTime.IsZero() {
		t.startTime = time.Now()
	}

	for t.status.General["timesteps"] < float64(numTimesteps) {
		t.status.General["iteration"]++
		t.finalizeSchedulers()

		rolloutStart := time.Now()
		datasets, err := t.roller.Rollout(t.status, t.dctx)
		if err != nil {
			return err
		}
		rolloutTime := time.Since(rolloutStart).Seconds()

		trainStart := time.Now()
		for _, name := range t.roller.Batcher.PolicyNames() {
			t.trainPolicy(name, datasets[name])
		}
		trainTime := time.Since(trainStart).Seconds()

		t.status.General["rollout time"] += rolloutTime
		t.status.General["train time"] += trainTime
		t.status.General["running time"] = time.Since(t.startTime).Seconds()

		if t.dctx.Rank() == 0 {
			log.Printf("iteration %d: timesteps=%d episodes=%.1f "+
				"rollout=%.2fs train=%.2fs",
				int(t.status.General["iteration"]),
				int(t.status.General["timesteps"]),
				t.status.General["total episodes"],
				rolloutTime, trainTime)
			for _, pName := range t.roller.Batcher.PolicyNames() {
				section := t.status.Policy(pName)
				log.Printf("  %s: reward=%.4f score=%.4f kl=%.5f", pName,
					section["episode reward avg"],
					section["extrinsic score avg"], section["kl avg"])
			}
		}

		if t.cfg.StateDir != "" && t.shouldSave() {
			if err := t.Save(); err != nil {
				return err
			}
		}
		if t.cfg.StateDir != "" && t.dctx.Rank() == 0 {
			if err := t.appendScores(); err != nil {
				return err
			}
		}

		if t.lrExhausted() {
			if t.dctx.Rank() == 0 {
				log.Println("every learning rate reached zero; stopping")
			}
			break
		}
	}
	return nil
}

// lrExhausted reports whether every policy's learning rate
// schedule has decayed to zero. Schedules are functions of
// the reduced status, so every worker agrees.
func (t *Trainer) lrExhausted() bool {
	for _, name := range t.roller.Batcher.PolicyNames() {
		p := t.cfg.Policies[name]
		if p.LR == nil || p.LR.Value() > 0 {
			return false
		}
	}
	return true
}

// trainPolicy runs the epoch loop for one policy over one
// rollout's dataset.
func (t *Trainer) trainPolicy(name string, ds *Dataset) {
	p := t.cfg.Policies[name]
	section := t.status.Policy(name)

	if p.ValueNormalizer != nil {
		rows := make([][]float64, ds.Len())
		for i, target := range ds.Targets {
			rows[i] = []float64{target}
		}
		p.ValueNormalizer.Update(rows)
	}

	epochs := t.cfg.Epochs
	if epochs == 0 {
		epochs = 10
	}
	minibatch := t.cfg.MinibatchSize
	if minibatch == 0 {
		minibatch = 64
	}

	var klSum, actorSum, criticSum, entropySum, count float64
	for epoch := 0; epoch < epochs; epoch++ {
		ds.Shuffle()
		var epochKL, epochCount float64
		var epochActor, epochCritic, epochEntropy float64
		for _, indices := range ds.Minibatches(minibatch) {
			// Single-transition batches have zero advantage
			// spread; every worker sees the same batch layout,
			// so all of them skip together.
			if len(indices) < 2 {
				continue
			}
			res := p.Update(ds, indices, t.dctx)
			ds.SetValues(indices, res.Values)
			epochKL += res.KL
			epochActor += res.ActorLoss
			epochCritic += res.CriticLoss
			epochEntropy += res.WeightedEntropy
			epochCount++
		}

		sums := t.dctx.AllreduceSum([]float64{epochKL, epochActor,
			epochCritic, epochEntropy, epochCount})
		klSum += sums[0]
		actorSum += sums[1]
		criticSum += sums[2]
		entropySum += sums[3]
		count += sums[4]

		if t.cfg.RecalcAdvantages {
			ds.RecalculateAdvantages()
		}

		// The reduced KL is identical on every worker, so the
		// whole group breaks out of the epoch loop together.
		if p.TargetKL > 0 && sums[4] > 0 && sums[0]/sums[4] > p.TargetKL {
			if t.dctx.Rank() == 0 {
				log.Printf("policy %s: mean KL %.5f exceeded target %.5f "+
					"after epoch %d; stopping early", name,
					sums[0]/sums[4], p.TargetKL, epoch+1)
			}
			break
		}
	}

	if count > 0 {
		section["kl avg"] = klSum / count
		section["actor loss"] = actorSum / count
		section["critic loss"] = criticSum / count
		section["weighted entropy"] = entropySum / count
	}

	if p.ICMModule != nil {
		t.trainICM(name, ds)
	}
}

// trainICM runs the curiosity module's epoch loop.
func (t *Trainer) trainICM(name string, ds *Dataset) {
	p := t.cfg.Policies[name]
	section := t.status.Policy(name)

	epochs := t.cfg.Epochs
	if epochs == 0 {
		epochs = 10
	}
	minibatch := t.cfg.MinibatchSize
	if minibatch == 0 {
		minibatch = 64
	}

	var lossSum, count float64
	for epoch := 0; epoch < epochs; epoch++ {
		ds.Shuffle()
		for _, indices := range ds.Minibatches(minibatch) {
			if len(indices) < 2 {
				continue
			}
			lossSum += p.UpdateICM(ds, indices, t.dctx)
			count++
		}
	}
	sums := t.dctx.AllreduceSum([]float64{lossSum, count})
	if sums[1] > 0 {
		section["icm loss"] = sums[0] / sums[1]
	}
}

func (t *Trainer) finalizeSchedulers() {
	for _, name := range t.roller.Batcher.PolicyNames() {
		t.cfg.Policies[name].FinalizeSchedulers(t.status)
	}
	for _, s := range []Scheduler{t.cfg.ExtRewardWeight, t.cfg.SoftResets,
		t.cfg.SaveWhen} {
		if s != nil {
			s.Finalize(t.status)
		}
	}
}

func (t *Trainer) shouldSave() bool {
	if t.cfg.SaveWhen == nil {
		return true
	}
	return t.cfg.SaveWhen.Value() > 0
}

// Save checkpoints the policies, environment statistics, and
// status registry under the state directory.
//
// Network parameters are identical across workers after
// every update, so only rank 0 writes them; every rank
// writes its own status file.
func (t *Trainer) Save() (err error) {
	defer essentials.AddCtxTo("save trainer", &err)
	if err := os.MkdirAll(t.cfg.StateDir, 0755); err != nil {
		return err
	}
	if t.dctx.Rank() == 0 {
		for _, name := range t.roller.Batcher.PolicyNames() {
			if err := t.cfg.Policies[name].Save(t.cfg.StateDir); err != nil {
				return err
			}
		}
		if t.cfg.Env != nil {
			if err := t.cfg.Env.SaveInfo(t.cfg.StateDir); err != nil {
				return err
			}
		}
	}
	if err := t.status.Save(t.cfg.StateDir, t.dctx.Rank()); err != nil {
		return err
	}
	t.dctx.Barrier()
	return nil
}

// Load restores a checkpoint produced by Save.
//
// A missing state directory is not an error: the run simply
// starts from scratch.
func (t *Trainer) Load() (err error) {
	defer essentials.AddCtxTo("load trainer", &err)
	if _, statErr := os.Stat(t.cfg.StateDir); statErr != nil {
		log.Printf("state directory %q not found; starting fresh",
			t.cfg.StateDir)
		return nil
	}
	for _, name := range t.roller.Batcher.PolicyNames() {
		if err := t.cfg.Policies[name].Load(t.cfg.StateDir); err != nil {
			return err
		}
	}
	if t.cfg.Env != nil {
		if err := t.cfg.Env.LoadInfo(t.cfg.StateDir); err != nil {
			return err
		}
	}
	return t.status.Load(t.cfg.StateDir, t.dctx.Rank())
}

// appendScores appends each policy's latest extrinsic score
// average to its score log.
func (t *Trainer) appendScores() (err error) {
	defer essentials.AddCtxTo("append scores", &err)
	dir := filepath.Join(t.cfg.StateDir, "scores")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for _, name := range t.roller.Batcher.PolicyNames() {
		path := filepath.Join(dir, name+"_scores.txt")
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY,
			0644)
		if err != nil {
			return err
		}
		score := t.status.Policy(name)["extrinsic score avg"]
		_, err = fmt.Fprintf(f, "%f\n", score)
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

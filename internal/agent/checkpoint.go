package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"netdefend/internal/schema"
)

// checkpointVersion guards against loading incompatible snapshots.
const checkpointVersion = 1

// checkpoint is the serialized form of the full agent state: both
// networks plus the exploration schedule, so a restart resumes the
// same policy.
type checkpoint struct {
	Version   int       `json:"version"`
	SavedAt   time.Time `json:"saved_at"`
	Online    *network  `json:"online"`
	Target    *network  `json:"target"`
	Epsilon   float64   `json:"epsilon"`
	Steps     uint64    `json:"steps"`
	ModelVer  uint64    `json:"model_version"`
}

// Export serializes the agent's full learnable state.
func (a *Agent) Export() ([]byte, error) {
	a.trainMu.Lock()
	cp := checkpoint{
		Version:  checkpointVersion,
		SavedAt:  time.Now().UTC(),
		Online:   a.online.clone(),
		Target:   a.target.clone(),
		Epsilon:  a.epsilon,
		Steps:    a.steps,
		ModelVer: a.version.Load(),
	}
	a.trainMu.Unlock()

	return json.Marshal(cp)
}

// Import restores agent state from serialized checkpoint data and
// publishes the restored parameters.
func (a *Agent) Import(data []byte) error {
	var cp checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return fmt.Errorf("agent: failed to decode checkpoint: %w", err)
	}
	if cp.Version != checkpointVersion {
		return fmt.Errorf("agent: unsupported checkpoint version %d", cp.Version)
	}
	if cp.Online == nil || cp.Target == nil {
		return fmt.Errorf("agent: checkpoint missing network parameters")
	}
	if cp.Online.In != schema.StateDim || cp.Online.Out != schema.NumActions {
		return fmt.Errorf("agent: checkpoint dimensions %dx%d incompatible", cp.Online.In, cp.Online.Out)
	}
	if !cp.Online.finite() || !cp.Target.finite() {
		return fmt.Errorf("agent: checkpoint contains non-finite parameters")
	}

	a.trainMu.Lock()
	a.online = cp.Online
	a.target = cp.Target
	a.epsilon = cp.Epsilon
	a.steps = cp.Steps
	a.trainMu.Unlock()

	a.snapshot.Store(cp.Online.clone())
	a.version.Add(1)

	a.logger.Info("checkpoint restored",
		"saved_at", cp.SavedAt,
		"steps", cp.Steps,
		"epsilon", cp.Epsilon,
	)
	return nil
}

// Save writes the checkpoint to path atomically.
func (a *Agent) Save(path string) error {
	data, err := a.Export()
	if err != nil {
		return fmt.Errorf("agent: failed to serialize checkpoint: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("agent: failed to create checkpoint dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("agent: failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("agent: failed to finalize checkpoint: %w", err)
	}
	return nil
}

// Load restores the checkpoint at path. A missing file is not an
// error; the agent keeps its fresh initialization.
func (a *Agent) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("agent: failed to read checkpoint: %w", err)
	}
	return a.Import(data)
}

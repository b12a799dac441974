// Package election provides the handoff scoring function the node pool
// uses to rank candidates after a scan round. The default scorer is
// pure RSSI, matching the default "largest dBm wins" rule exactly; an
// optional JavaScript hook (via goja) lets an operator substitute a
// custom scoring function without recompiling the coordinator.
package election

import (
	"fmt"
	"os"
	"sync"

	"github.com/dop251/goja"
)

// Scorer ranks one scan observation. Higher is better; the node pool's
// election picks the candidate with the greatest score.
type Scorer interface {
	Score(nodeID, name string, rssi int) int
}

// RSSIScorer is the default scorer: score equals the raw RSSI reading.
type RSSIScorer struct{}

// Score implements Scorer.
func (RSSIScorer) Score(_, _ string, rssi int) int {
	return rssi
}

// ScriptScorer runs an operator-supplied JavaScript "score" function for
// every candidate, falling back to raw RSSI if the function is absent
// or errors.
type ScriptScorer struct {
	mu    sync.Mutex
	vm    *goja.Runtime
	score goja.Callable
}

// NewScriptScorer loads a scoring script from path. The script must
// define a top-level function `score(nodeId, name, rssi)` returning a
// number; any other shape falls back to raw RSSI at call time.
func NewScriptScorer(path string) (*ScriptScorer, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read election script: %w", err)
	}

	vm := goja.New()
	if _, err := vm.RunString(string(content)); err != nil {
		return nil, fmt.Errorf("election script error: %w", err)
	}

	scoreVal := vm.Get("score")
	var score goja.Callable
	if scoreVal != nil && !goja.IsUndefined(scoreVal) {
		fn, ok := goja.AssertFunction(scoreVal)
		if ok {
			score = fn
		}
	}

	return &ScriptScorer{vm: vm, score: score}, nil
}

// Score implements Scorer, falling back to raw RSSI on any script error
// or non-numeric return value.
func (s *ScriptScorer) Score(nodeID, name string, rssi int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.score == nil {
		return rssi
	}

	result, err := s.score(goja.Undefined(), s.vm.ToValue(nodeID), s.vm.ToValue(name), s.vm.ToValue(rssi))
	if err != nil {
		return rssi
	}

	exported := result.Export()
	switch v := exported.(type) {
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return rssi
	}
}

// LoadScorer returns RSSIScorer{} when scriptPath is empty, otherwise a
// ScriptScorer built from the script at scriptPath.
func LoadScorer(scriptPath string) (Scorer, error) {
	if scriptPath == "" {
		return RSSIScorer{}, nil
	}
	return NewScriptScorer(scriptPath)
}

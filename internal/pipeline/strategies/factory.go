package strategies

import (
	"fmt"

	"visionrelay/internal/pipeline"
)

// StrategyFactory creates cadence strategies based on configuration
type StrategyFactory struct{}

// NewStrategyFactory creates a new strategy factory
func NewStrategyFactory() *StrategyFactory {
	return &StrategyFactory{}
}

// Create creates a cadence strategy for a backend kind.
// Both backends use the adaptive strategy so a 429 from any collaborator is honoured.
func (f *StrategyFactory) Create(kind pipeline.BackendKind, config *pipeline.AnalysisConfig) (pipeline.CadenceStrategy, error) {
	if config == nil {
		config = pipeline.DefaultAnalysisConfig(kind)
	}

	switch kind {
	case pipeline.BackendRemote, pipeline.BackendLocal:
		return NewAdaptiveStrategy(config.BaseBackoff, config.MaxBackoff), nil
	default:
		return nil, fmt.Errorf("unknown backend kind: %s", kind)
	}
}

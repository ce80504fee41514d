package engine

import (
	"fmt"
	"strings"
)

// StageKind names one step of a sampler chain.
type StageKind int

const (
	StageDist StageKind = iota
	StageGreedy
	StageTemperature
	StageTopP
)

func (k StageKind) String() string {
	switch k {
	case StageDist:
		return "dist"
	case StageGreedy:
		return "greedy"
	case StageTemperature:
		return "temp"
	case StageTopP:
		return "top_p"
	default:
		return fmt.Sprintf("stage(%d)", int(k))
	}
}

// SamplerStage is a single step; only the fields relevant to Kind are read.
type SamplerStage struct {
	Kind        StageKind
	Seed        uint32
	Temperature float32
	TopP        float32
	MinKeep     int
}

// SamplerChain describes a sampler pipeline in application order. Backends
// turn it into a native chain via Context.NewSampler.
type SamplerChain struct {
	Stages []SamplerStage
}

// Kinds lists the stage kinds in order.
func (c SamplerChain) Kinds() []StageKind {
	out := make([]StageKind, len(c.Stages))
	for i, s := range c.Stages {
		out[i] = s.Kind
	}
	return out
}

func (c SamplerChain) String() string {
	parts := make([]string, len(c.Stages))
	for i, s := range c.Stages {
		parts[i] = s.Kind.String()
	}
	return strings.Join(parts, " -> ")
}

package generator

import "inferd/internal/engine"

// BuildSamplerChain describes the sampler for a request. Greedy requests get
// a seeded distribution stage followed by a greedy pick. Otherwise
// temperature (when > 0) and top-p (when < 1) stages precede the seeded
// distribution stage; when neither applies a greedy stage is appended so
// the chain always ends in a concrete choice.
func BuildSamplerChain(temperature, topP float32, seed uint32, greedy bool) engine.SamplerChain {
	if greedy {
		return engine.SamplerChain{Stages: []engine.SamplerStage{
			{Kind: engine.StageDist, Seed: seed},
			{Kind: engine.StageGreedy},
		}}
	}
	var stages []engine.SamplerStage
	if temperature > 0 {
		stages = append(stages, engine.SamplerStage{Kind: engine.StageTemperature, Temperature: temperature})
	}
	if topP < 1.0 {
		stages = append(stages, engine.SamplerStage{Kind: engine.StageTopP, TopP: topP, MinKeep: 1})
	}
	conditional := len(stages) > 0
	stages = append(stages, engine.SamplerStage{Kind: engine.StageDist, Seed: seed})
	if !conditional {
		stages = append(stages, engine.SamplerStage{Kind: engine.StageGreedy})
	}
	return engine.SamplerChain{Stages: stages}
}

package inference

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/renderloop/renderq/pkg/log"
	"github.com/renderloop/renderq/pkg/types"
)

// Node classes the mapping table recognizes.
const (
	classSampler         = "KSampler"
	classSamplerAdvanced = "KSamplerAdvanced"
	classTextEncode      = "CLIPTextEncode"
	classEmptyLatent     = "EmptyLatentImage"
)

// InjectParameters deep-copies the workflow and writes the recognized
// generation parameters into their target nodes: seed, steps, cfg,
// sampler and scheduler into the sampler node; prompt text into the
// text-encode nodes the sampler's positive/negative inputs link to;
// width, height and batch size into the empty-latent node. Parameters
// whose target node cannot be resolved are logged at debug and skipped.
// Injecting the same parameters twice yields the same workflow.
func InjectParameters(workflow types.Workflow, params types.GenerateParams) (types.Workflow, error) {
	out, err := deepCopy(workflow)
	if err != nil {
		return nil, fmt.Errorf("failed to copy workflow: %w", err)
	}
	logger := log.WithComponent("inference")

	samplerID := findByClass(out, classSampler, classSamplerAdvanced)
	if samplerID == "" {
		logger.Debug().Msg("workflow has no sampler node, skipping sampler parameters")
	} else {
		sampler := out[samplerID]
		if sampler.Inputs == nil {
			sampler.Inputs = map[string]any{}
			out[samplerID] = sampler
		}
		if params.Seed != nil {
			sampler.Inputs["seed"] = *params.Seed
		}
		if params.Steps > 0 {
			sampler.Inputs["steps"] = params.Steps
		}
		if params.CFG > 0 {
			sampler.Inputs["cfg"] = params.CFG
		}
		if params.SamplerName != "" {
			sampler.Inputs["sampler_name"] = params.SamplerName
		}
		if params.Scheduler != "" {
			sampler.Inputs["scheduler"] = params.Scheduler
		}

		setPromptText(out, sampler, "positive", params.PositivePrompt, logger)
		setPromptText(out, sampler, "negative", params.NegativePrompt, logger)
	}

	latentID := findByClass(out, classEmptyLatent)
	if latentID == "" {
		logger.Debug().Msg("workflow has no empty-latent node, skipping dimension parameters")
	} else {
		latent := out[latentID]
		if latent.Inputs == nil {
			latent.Inputs = map[string]any{}
			out[latentID] = latent
		}
		if params.Width > 0 {
			latent.Inputs["width"] = params.Width
		}
		if params.Height > 0 {
			latent.Inputs["height"] = params.Height
		}
		if params.BatchSize > 0 {
			latent.Inputs["batch_size"] = params.BatchSize
		}
	}

	return out, nil
}

// setPromptText follows the sampler's conditioning link (a [node_id,
// output_index] pair) to its text-encode node and replaces the text.
func setPromptText(wf types.Workflow, sampler types.WorkflowNode, input, text string, logger zerolog.Logger) {
	if text == "" {
		return
	}
	target := linkTarget(sampler.Inputs[input])
	if target == "" {
		logger.Debug().Str("input", input).Msg("sampler input is not a node link, skipping prompt text")
		return
	}
	node, ok := wf[target]
	if !ok || node.ClassType != classTextEncode {
		logger.Debug().Str("input", input).Str("node", target).Msg("linked node is not a text-encode node")
		return
	}
	if node.Inputs == nil {
		node.Inputs = map[string]any{}
	}
	node.Inputs["text"] = text
	wf[target] = node
}

// linkTarget extracts the node id from a [node_id, output_index] link.
func linkTarget(v any) string {
	link, ok := v.([]any)
	if !ok || len(link) == 0 {
		return ""
	}
	id, ok := link[0].(string)
	if !ok {
		return ""
	}
	return id
}

// findByClass returns the id of the first node matching one of the
// class types, in key order for determinism.
func findByClass(wf types.Workflow, classes ...string) string {
	var best string
	for id, node := range wf {
		for _, class := range classes {
			if node.ClassType == class && (best == "" || id < best) {
				best = id
			}
		}
	}
	return best
}

func deepCopy(wf types.Workflow) (types.Workflow, error) {
	data, err := json.Marshal(wf)
	if err != nil {
		return nil, err
	}
	var out types.Workflow
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DefaultWorkflow returns the built-in text-to-image workflow used when
// a request carries no workflow of its own.
func DefaultWorkflow() types.Workflow {
	return types.Workflow{
		"3": {ClassType: classSampler, Inputs: map[string]any{
			"seed":         0,
			"steps":        20,
			"cfg":          7.0,
			"sampler_name": "euler",
			"scheduler":    "normal",
			"denoise":      1.0,
			"model":        []any{"4", 0},
			"positive":     []any{"6", 0},
			"negative":     []any{"7", 0},
			"latent_image": []any{"5", 0},
		}},
		"4": {ClassType: "CheckpointLoaderSimple", Inputs: map[string]any{
			"ckpt_name": "sd_v1-5.safetensors",
		}},
		"5": {ClassType: classEmptyLatent, Inputs: map[string]any{
			"width":      512,
			"height":     512,
			"batch_size": 1,
		}},
		"6": {ClassType: classTextEncode, Inputs: map[string]any{
			"text": "",
			"clip": []any{"4", 1},
		}},
		"7": {ClassType: classTextEncode, Inputs: map[string]any{
			"text": "",
			"clip": []any{"4", 1},
		}},
		"8": {ClassType: "VAEDecode", Inputs: map[string]any{
			"samples": []any{"3", 0},
			"vae":     []any{"4", 2},
		}},
		"9": {ClassType: "SaveImage", Inputs: map[string]any{
			"filename_prefix": "renderq",
			"images":          []any{"8", 0},
		}},
	}
}

package api

import (
	"math/rand"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/renderloop/renderq/pkg/types"
)

const (
	maxPromptLen = 5000
	minDimension = 64
	maxDimension = 2048
)

// Closed parameter sets accepted at the boundary.
var (
	validSamplers = map[string]struct{}{
		"euler": {}, "euler_ancestral": {}, "heun": {}, "dpm_2": {},
		"dpm_2_ancestral": {}, "lms": {}, "dpm_fast": {}, "dpm_adaptive": {},
		"dpmpp_2s_ancestral": {}, "dpmpp_sde": {}, "dpmpp_2m": {},
		"dpmpp_3m_sde": {}, "ddim": {}, "uni_pc": {},
	}
	validSchedulers = map[string]struct{}{
		"normal": {}, "karras": {}, "exponential": {}, "sgm_uniform": {},
		"simple": {}, "ddim_uniform": {},
	}
)

// generateRequest is the POST /api/generate body.
type generateRequest struct {
	PositivePrompt string         `json:"positive_prompt" validate:"required,min=1"`
	NegativePrompt string         `json:"negative_prompt"`
	Seed           *int64         `json:"seed" validate:"omitempty,gte=-1,lte=4294967295"`
	Width          int            `json:"width" validate:"omitempty,gte=1"`
	Height         int            `json:"height" validate:"omitempty,gte=1"`
	Steps          int            `json:"steps" validate:"omitempty,gte=1,lte=100"`
	CFG            float64        `json:"cfg" validate:"omitempty,gte=1,lte=30"`
	SamplerName    string         `json:"sampler_name"`
	Scheduler      string         `json:"scheduler"`
	BatchSize      int            `json:"batch_size" validate:"omitempty,gte=1,lte=4"`
	InputImage     string         `json:"input_image"`
	ReturnBase64   bool           `json:"return_base64"`
	WorkflowID     string         `json:"workflow_id"`
	Workflow       types.Workflow `json:"workflow"`
}

var validate = validator.New()

// validateRequest applies the boundary constraints. A missing required
// field is a validation error; a present field outside its accepted
// range or set is an out-of-range error, so the two surface as
// different status codes.
func validateRequest(req *generateRequest) error {
	if err := validate.Struct(req); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			fe := errs[0]
			kind := types.ErrOutOfRange
			if fe.Tag() == "required" {
				kind = types.ErrValidation
			}
			return types.NewError(kind, "field %s violates constraint %s", strings.ToLower(fe.Field()), fe.Tag())
		}
		return types.WrapError(types.ErrValidation, err, "invalid request")
	}
	if req.SamplerName != "" {
		if _, ok := validSamplers[req.SamplerName]; !ok {
			return types.NewError(types.ErrOutOfRange, "field sampler_name: unknown sampler %q", req.SamplerName)
		}
	}
	if req.Scheduler != "" {
		if _, ok := validSchedulers[req.Scheduler]; !ok {
			return types.NewError(types.ErrOutOfRange, "field scheduler: unknown scheduler %q", req.Scheduler)
		}
	}
	return nil
}

// normalizeRequest rewrites the accepted request into canonical form.
// Idempotent on the accepted set.
func normalizeRequest(req *generateRequest) types.GenerateParams {
	params := types.GenerateParams{
		PositivePrompt: sanitizePrompt(req.PositivePrompt),
		NegativePrompt: sanitizePrompt(req.NegativePrompt),
		Steps:          req.Steps,
		CFG:            req.CFG,
		SamplerName:    req.SamplerName,
		Scheduler:      req.Scheduler,
		InputImage:     req.InputImage,
		ReturnBase64:   req.ReturnBase64,
	}

	if req.Width > 0 {
		params.Width = normalizeDimension(req.Width)
	}
	if req.Height > 0 {
		params.Height = normalizeDimension(req.Height)
	}

	params.BatchSize = req.BatchSize
	// Large canvases cap the batch to protect GPU memory.
	w, h := params.Width, params.Height
	if w == 0 {
		w = 512
	}
	if h == 0 {
		h = 512
	}
	if w*h >= 1024*1024 && params.BatchSize > 2 {
		params.BatchSize = 2
	}

	if req.Seed != nil {
		seed := *req.Seed
		if seed == -1 {
			seed = rand.Int63n(1 << 32)
		}
		params.Seed = &seed
	}
	return params
}

// sanitizePrompt collapses whitespace, strips shell metacharacters, and
// truncates overlong text rather than rejecting it.
func sanitizePrompt(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ';', '&', '|', '`', '$', '<', '>', '\\':
			return -1
		}
		return r
	}, s)
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > maxPromptLen {
		// Back off to a rune boundary so the cut never leaves a broken
		// UTF-8 sequence at the end.
		cut := maxPromptLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}

// normalizeDimension rounds to the nearest multiple of 8, then clamps
// to the accepted range.
func normalizeDimension(v int) int {
	v = (v + 4) / 8 * 8
	if v < minDimension {
		return minDimension
	}
	if v > maxDimension {
		return maxDimension
	}
	return v
}

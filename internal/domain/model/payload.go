package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// TaskPayload is the closed set of payload variants the queue and workers
// handle. The envelope carries a task_type tag so decoding is exhaustive over
// known kinds instead of trusting an open map shape at runtime.
type TaskPayload struct {
	TaskType TaskType `json:"task_type"`

	PlanGeneration  *PlanGenerationPayload  `json:"plan_generation,omitempty"`
	TextImprovement *TextImprovementPayload `json:"text_improvement,omitempty"`
	RegexSynthesis  *RegexSynthesisPayload  `json:"regex_synthesis,omitempty"`
}

// PlanGenerationPayload asks the provider to produce a structured writing plan.
type PlanGenerationPayload struct {
	Prompt       string `json:"prompt"`
	ProjectBrief string `json:"project_brief,omitempty"`
	SectionCount int    `json:"section_count,omitempty"`
}

// TextImprovementPayload asks the provider to rewrite a passage.
type TextImprovementPayload struct {
	Text         string `json:"text"`
	Instructions string `json:"instructions,omitempty"`
	Tone         string `json:"tone,omitempty"`
}

// RegexSynthesisPayload asks the provider to synthesize a regular expression.
type RegexSynthesisPayload struct {
	Description     string   `json:"description"`
	PositiveSamples []string `json:"positive_samples,omitempty"`
	NegativeSamples []string `json:"negative_samples,omitempty"`
}

// Validate checks that exactly the variant matching TaskType is populated.
func (p *TaskPayload) Validate() error {
	if p == nil {
		return errors.New("task payload is required")
	}
	if !p.TaskType.Valid() {
		return fmt.Errorf("invalid task type: %q", p.TaskType)
	}

	populated := 0
	if p.PlanGeneration != nil {
		populated++
	}
	if p.TextImprovement != nil {
		populated++
	}
	if p.RegexSynthesis != nil {
		populated++
	}
	if populated != 1 {
		return fmt.Errorf("exactly one payload variant required, got %d", populated)
	}

	switch p.TaskType {
	case TaskTypePlanGeneration:
		if p.PlanGeneration == nil {
			return errors.New("plan_generation payload required for task type plan_generation")
		}
		if p.PlanGeneration.Prompt == "" {
			return errors.New("plan_generation prompt is required")
		}
	case TaskTypeTextImprovement:
		if p.TextImprovement == nil {
			return errors.New("text_improvement payload required for task type text_improvement")
		}
		if p.TextImprovement.Text == "" {
			return errors.New("text_improvement text is required")
		}
	case TaskTypeRegexSynthesis:
		if p.RegexSynthesis == nil {
			return errors.New("regex_synthesis payload required for task type regex_synthesis")
		}
		if p.RegexSynthesis.Description == "" {
			return errors.New("regex_synthesis description is required")
		}
	}
	return nil
}

// Prompt renders the payload variant as the raw prompt text sent to the provider.
func (p *TaskPayload) Prompt() string {
	switch p.TaskType {
	case TaskTypePlanGeneration:
		if p.PlanGeneration != nil {
			return p.PlanGeneration.Prompt
		}
	case TaskTypeTextImprovement:
		if p.TextImprovement != nil {
			return p.TextImprovement.Text
		}
	case TaskTypeRegexSynthesis:
		if p.RegexSynthesis != nil {
			return p.RegexSynthesis.Description
		}
	}
	return ""
}

// EncodePayload serializes a validated payload for queue storage.
func EncodePayload(p *TaskPayload) (json.RawMessage, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal task payload: %w", err)
	}
	return raw, nil
}

// DecodePayload deserializes and re-validates a payload from queue storage.
func DecodePayload(raw json.RawMessage) (*TaskPayload, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty task payload")
	}
	var p TaskPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("unmarshal task payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

package models

import "fmt"

// Step identifies one stage of the pipeline. The set is closed: every value
// is listed in Pipeline.
type Step string

const (
	StepDetect       Step = "detect"
	StepRequirements Step = "requirements"
	StepPlanning     Step = "planning"
	StepTestWriting  Step = "test_writing"
	StepCoding       Step = "coding"
	StepSecurity     Step = "security"
	StepReview       Step = "review"
)

// Pipeline is the fixed execution order.
var Pipeline = []Step{
	StepDetect,
	StepRequirements,
	StepPlanning,
	StepTestWriting,
	StepCoding,
	StepSecurity,
	StepReview,
}

func ParseStep(s string) (Step, error) {
	for _, step := range Pipeline {
		if string(step) == s {
			return step, nil
		}
	}
	return "", fmt.Errorf("unknown step %q", s)
}

// Checkpointable reports whether a human-approval gate follows the step.
func (s Step) Checkpointable() bool {
	switch s {
	case StepRequirements, StepTestWriting, StepSecurity, StepReview:
		return true
	}
	return false
}

func (s Step) Description() string {
	switch s {
	case StepDetect:
		return "Detect project language, framework, and test runner"
	case StepRequirements:
		return "Clarify and structure requirements"
	case StepPlanning:
		return "Explore codebase and design implementation approach"
	case StepTestWriting:
		return "Write tests (TDD red phase)"
	case StepCoding:
		return "Implement code until tests pass (TDD green phase)"
	case StepSecurity:
		return "Detect and patch security vulnerabilities"
	case StepReview:
		return "Review code quality and best practices"
	}
	return string(s)
}

// Index returns the position of the step in Pipeline, or -1.
func (s Step) Index() int {
	for i, step := range Pipeline {
		if step == s {
			return i
		}
	}
	return -1
}

// Next returns the step after s, or "" if s is the last one.
func (s Step) Next() Step {
	i := s.Index()
	if i < 0 || i+1 >= len(Pipeline) {
		return ""
	}
	return Pipeline[i+1]
}

package dsl

import (
	"fmt"

	"github.com/mattjoyce/sluice/internal/expr"
	"gopkg.in/yaml.v3"
)

// FileSpec is one YAML pipeline document.
type FileSpec struct {
	Parameters []ParameterSpec `yaml:"parameters,omitempty"`
	Trigger    *TriggerSpec    `yaml:"trigger,omitempty"`
	PR         *PRSpec         `yaml:"pr,omitempty"`
	Stages     []StageSpec     `yaml:"stages"`
}

// ParameterSpec declares a typed parameter with a fixed default.
type ParameterSpec struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type,omitempty"`
	Default any    `yaml:"default"`
}

// BranchesSpec holds include/exclude branch globs.
type BranchesSpec struct {
	Include []string `yaml:"include,omitempty"`
	Exclude []string `yaml:"exclude,omitempty"`
}

// TriggerSpec filters push (IndividualCI) events by source branch.
type TriggerSpec struct {
	Branches BranchesSpec `yaml:"branches"`
}

// PRSpec filters pull requests by target branch.
type PRSpec struct {
	Branches   BranchesSpec `yaml:"branches"`
	AutoCancel *bool        `yaml:"autoCancel,omitempty"`
}

// StageSpec is one stage entry in YAML.
type StageSpec struct {
	Name        string      `yaml:"name"`
	DisplayName string      `yaml:"displayName,omitempty"`
	Condition   string      `yaml:"condition,omitempty"`
	DependsOn   StringList  `yaml:"dependsOn,omitempty"`
	Result      string      `yaml:"result,omitempty"`
	Jobs        []JobSpec   `yaml:"jobs,omitempty"`
	Notify      *NotifySpec `yaml:"notify,omitempty"`
}

// JobSpec is one job template reference. Each names a list parameter; the
// job is instantiated once per element with the element bound to As.
type JobSpec struct {
	Name       string         `yaml:"name,omitempty"`
	Template   string         `yaml:"template"`
	Parameters map[string]any `yaml:"parameters,omitempty"`
	Each       string         `yaml:"each,omitempty"`
	As         string         `yaml:"as,omitempty"`
}

// NotifySpec describes the notification a stage requests when it runs.
type NotifySpec struct {
	Channel  string `yaml:"channel,omitempty"`
	TargetID string `yaml:"targetId"`
	Message  string `yaml:"message"`
}

// StringList accepts either a scalar or a sequence of strings.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Value == "" {
			*s = nil
			return nil
		}
		*s = StringList{node.Value}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*s = items
		return nil
	}
	return fmt.Errorf("line %d: expected a string or a list of strings", node.Line)
}

// ParameterType is the declared type of a parameter.
type ParameterType string

const (
	TypeString     ParameterType = "string"
	TypeStringList ParameterType = "stringList"
	TypeBoolean    ParameterType = "boolean"
	TypeNumber     ParameterType = "number"
)

// Parameter is a compiled parameter declaration.
type Parameter struct {
	Name    string        `json:"name"`
	Type    ParameterType `json:"type"`
	Default expr.Value    `json:"default"`
}

// Result is the dependency outcome a stage requires before it runs.
type Result string

const (
	ResultSucceeded Result = "Succeeded"
	ResultFailed    Result = "Failed"
	ResultAlways    Result = "Always"
)

// ParamValue is a job or notification value: a literal, or an expression
// evaluated at plan time.
type ParamValue struct {
	Literal expr.Value `json:"literal"`
	Expr    *expr.Expr `json:"expr,omitempty"`
}

// Job is a compiled job template reference.
type Job struct {
	Name       string                `json:"name"`
	Template   string                `json:"template"`
	Parameters map[string]ParamValue `json:"parameters"`
	Each       string                `json:"each,omitempty"`
	As         string                `json:"as,omitempty"`
}

// Notification is a compiled notify block.
type Notification struct {
	Channel  string     `json:"channel"`
	TargetID ParamValue `json:"targetId"`
	Message  ParamValue `json:"message"`
}

// Stage is a compiled stage definition. A nil Condition is always true.
type Stage struct {
	Name        string        `json:"name"`
	DisplayName string        `json:"displayName,omitempty"`
	Condition   *expr.Expr    `json:"condition,omitempty"`
	DependsOn   []string      `json:"dependsOn,omitempty"`
	Result      Result        `json:"result"`
	Jobs        []Job         `json:"jobs"`
	Notify      *Notification `json:"notify,omitempty"`
}

// BranchFilter selects refs by include/exclude globs. An empty include list
// includes everything; excludes always win.
type BranchFilter struct {
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

// Document is a compiled, validated pipeline document.
type Document struct {
	Parameters  []Parameter  `json:"parameters"`
	Defaults    ParameterSet `json:"-"`
	Push        BranchFilter `json:"push"`
	PR          BranchFilter `json:"pr"`
	AutoCancel  bool         `json:"autoCancel"`
	Stages      []Stage      `json:"stages"`
	Fingerprint string       `json:"-"` // blake3:<hex> of the normalized compiled form.
}

// Stage returns the named stage.
func (d *Document) Stage(name string) (*Stage, bool) {
	for i := range d.Stages {
		if d.Stages[i].Name == name {
			return &d.Stages[i], true
		}
	}
	return nil, false
}

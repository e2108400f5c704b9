package dsl

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/mattjoyce/sluice/internal/expr"
	"github.com/mattjoyce/sluice/internal/trigger"
	"github.com/zeebo/blake3"
)

const (
	defaultLoopVar = "item"
	defaultChannel = "comment"
)

// Compile validates a pipeline document and compiles it: every condition and
// template value is parsed once, and every reference is checked against the
// predefined variables and the declared parameters.
func Compile(spec *FileSpec) (*Document, error) {
	if spec == nil {
		return nil, fmt.Errorf("pipeline document is empty")
	}
	if len(spec.Stages) == 0 {
		return nil, fmt.Errorf("stages must be non-empty")
	}

	doc := &Document{
		Defaults:   make(ParameterSet, len(spec.Parameters)),
		AutoCancel: true,
	}
	for i, ps := range spec.Parameters {
		p, err := compileParameter(ps)
		if err != nil {
			return nil, fmt.Errorf("parameters[%d]: %w", i, err)
		}
		if _, dup := doc.Defaults[p.Name]; dup {
			return nil, fmt.Errorf("duplicate parameter name %q", p.Name)
		}
		doc.Parameters = append(doc.Parameters, p)
		doc.Defaults[p.Name] = p.Default
	}

	if spec.Trigger != nil {
		doc.Push = compileFilter(spec.Trigger.Branches)
	}
	if spec.PR != nil {
		doc.PR = compileFilter(spec.PR.Branches)
		if spec.PR.AutoCancel != nil {
			doc.AutoCancel = *spec.PR.AutoCancel
		}
	}

	names := make(map[string]struct{}, len(spec.Stages))
	for i, ss := range spec.Stages {
		name := strings.TrimSpace(ss.Name)
		if name == "" {
			return nil, fmt.Errorf("stages[%d]: name is required", i)
		}
		if _, dup := names[name]; dup {
			return nil, fmt.Errorf("duplicate stage name %q", name)
		}
		names[name] = struct{}{}
	}

	c := compiler{doc: doc, stages: names}
	for _, ss := range spec.Stages {
		stage, err := c.compileStage(ss)
		if err != nil {
			return nil, fmt.Errorf("stage %q: %w", strings.TrimSpace(ss.Name), err)
		}
		doc.Stages = append(doc.Stages, stage)
	}

	fingerprint, err := fingerprintDocument(doc)
	if err != nil {
		return nil, err
	}
	doc.Fingerprint = fingerprint
	return doc, nil
}

func compileParameter(ps ParameterSpec) (Parameter, error) {
	name := strings.TrimSpace(ps.Name)
	if name == "" {
		return Parameter{}, fmt.Errorf("name is required")
	}
	typ, err := parseParameterType(ps.Type)
	if err != nil {
		return Parameter{}, fmt.Errorf("parameter %q: %w", name, err)
	}
	def, err := coerceDefault(typ, ps.Default)
	if err != nil {
		return Parameter{}, fmt.Errorf("parameter %q: %w", name, err)
	}
	return Parameter{Name: name, Type: typ, Default: def}, nil
}

func parseParameterType(raw string) (ParameterType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "string":
		return TypeString, nil
	case "stringlist", "object":
		return TypeStringList, nil
	case "boolean", "bool":
		return TypeBoolean, nil
	case "number":
		return TypeNumber, nil
	}
	return "", fmt.Errorf("unknown parameter type %q", raw)
}

func parseResult(raw string) (Result, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "succeeded":
		return ResultSucceeded, nil
	case "failed":
		return ResultFailed, nil
	case "always":
		return ResultAlways, nil
	}
	return "", fmt.Errorf("unknown result %q (want succeeded, failed or always)", raw)
}

func compileFilter(spec BranchesSpec) BranchFilter {
	var f BranchFilter
	for _, inc := range spec.Include {
		if inc = strings.TrimSpace(inc); inc != "" {
			f.Include = append(f.Include, trigger.NormalizeBranch(inc))
		}
	}
	for _, exc := range spec.Exclude {
		if exc = strings.TrimSpace(exc); exc != "" {
			f.Exclude = append(f.Exclude, trigger.NormalizeBranch(exc))
		}
	}
	return f
}

// Matches reports whether ref passes the filter. Patterns ending in '*' match
// by prefix; other patterns use path.Match.
func (f BranchFilter) Matches(ref string) bool {
	ref = trigger.NormalizeBranch(ref)
	for _, pattern := range f.Exclude {
		if matchBranch(pattern, ref) {
			return false
		}
	}
	if len(f.Include) == 0 {
		return true
	}
	for _, pattern := range f.Include {
		if matchBranch(pattern, ref) {
			return true
		}
	}
	return false
}

func matchBranch(pattern, ref string) bool {
	if strings.HasSuffix(pattern, "*") && !strings.ContainsAny(strings.TrimSuffix(pattern, "*"), "*?[") {
		return strings.HasPrefix(ref, strings.TrimSuffix(pattern, "*"))
	}
	ok, err := path.Match(pattern, ref)
	return err == nil && ok
}

type compiler struct {
	doc    *Document
	stages map[string]struct{}
}

func (c *compiler) compileStage(ss StageSpec) (Stage, error) {
	stage := Stage{
		Name:        strings.TrimSpace(ss.Name),
		DisplayName: strings.TrimSpace(ss.DisplayName),
	}

	result, err := parseResult(ss.Result)
	if err != nil {
		return Stage{}, err
	}
	stage.Result = result

	if cond := strings.TrimSpace(ss.Condition); cond != "" {
		e, err := expr.Parse(cond)
		if err != nil {
			return Stage{}, fmt.Errorf("condition: %w", err)
		}
		if err := c.checkRefs(e, ""); err != nil {
			return Stage{}, fmt.Errorf("condition: %w", err)
		}
		stage.Condition = e
	}

	seen := make(map[string]struct{}, len(ss.DependsOn))
	for _, dep := range ss.DependsOn {
		dep = strings.TrimSpace(dep)
		if dep == "" {
			continue
		}
		if _, ok := c.stages[dep]; !ok {
			return Stage{}, fmt.Errorf("dependsOn references unknown stage %q", dep)
		}
		if _, dup := seen[dep]; dup {
			continue
		}
		seen[dep] = struct{}{}
		stage.DependsOn = append(stage.DependsOn, dep)
	}

	jobNames := make(map[string]struct{}, len(ss.Jobs))
	stage.Jobs = make([]Job, 0, len(ss.Jobs))
	for i, js := range ss.Jobs {
		job, err := c.compileJob(js)
		if err != nil {
			return Stage{}, fmt.Errorf("jobs[%d]: %w", i, err)
		}
		if _, dup := jobNames[job.Name]; dup {
			return Stage{}, fmt.Errorf("duplicate job name %q", job.Name)
		}
		jobNames[job.Name] = struct{}{}
		stage.Jobs = append(stage.Jobs, job)
	}

	if ss.Notify != nil {
		if len(stage.DependsOn) == 0 {
			return Stage{}, fmt.Errorf("notify requires dependsOn")
		}
		n, err := c.compileNotify(*ss.Notify)
		if err != nil {
			return Stage{}, fmt.Errorf("notify: %w", err)
		}
		stage.Notify = n
	}
	return stage, nil
}

func (c *compiler) compileJob(js JobSpec) (Job, error) {
	tmpl := strings.TrimSpace(js.Template)
	if tmpl == "" {
		return Job{}, fmt.Errorf("template is required")
	}
	job := Job{
		Name:       strings.TrimSpace(js.Name),
		Template:   tmpl,
		Parameters: make(map[string]ParamValue, len(js.Parameters)),
	}
	if job.Name == "" {
		base := path.Base(tmpl)
		job.Name = strings.TrimSuffix(base, path.Ext(base))
	}

	if each := strings.TrimSpace(js.Each); each != "" {
		name := strings.TrimPrefix(each, "parameters.")
		decl, ok := c.doc.parameter(name)
		if !ok {
			return Job{}, &expr.UnknownIdentifierError{Name: "parameters." + name}
		}
		if decl.Type != TypeStringList {
			return Job{}, fmt.Errorf("each: parameter %q is %s, not stringList", name, decl.Type)
		}
		job.Each = name
		job.As = strings.TrimSpace(js.As)
		if job.As == "" {
			job.As = defaultLoopVar
		}
		if job.As == "variables" || job.As == "parameters" {
			return Job{}, fmt.Errorf("as: %q is reserved", job.As)
		}
	} else if strings.TrimSpace(js.As) != "" {
		return Job{}, fmt.Errorf("as requires each")
	}

	keys := make([]string, 0, len(js.Parameters))
	for k := range js.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		pv, err := c.compileValue(js.Parameters[k], job.As)
		if err != nil {
			return Job{}, fmt.Errorf("parameters.%s: %w", k, err)
		}
		job.Parameters[k] = pv
	}
	return job, nil
}

func (c *compiler) compileNotify(ns NotifySpec) (*Notification, error) {
	n := &Notification{Channel: strings.TrimSpace(ns.Channel)}
	if n.Channel == "" {
		n.Channel = defaultChannel
	}
	var err error
	if n.TargetID, err = c.compileValue(ns.TargetID, ""); err != nil {
		return nil, fmt.Errorf("targetId: %w", err)
	}
	if n.Message, err = c.compileValue(ns.Message, ""); err != nil {
		return nil, fmt.Errorf("message: %w", err)
	}
	return n, nil
}

func (c *compiler) compileValue(raw any, loopVar string) (ParamValue, error) {
	if s, ok := raw.(string); ok && expr.IsTemplate(s) {
		e, err := expr.Parse(s)
		if err != nil {
			return ParamValue{}, err
		}
		if err := c.checkRefs(e, loopVar); err != nil {
			return ParamValue{}, err
		}
		return ParamValue{Expr: e}, nil
	}
	v, err := expr.FromAny(raw)
	if err != nil {
		return ParamValue{}, err
	}
	return ParamValue{Literal: v}, nil
}

// checkRefs rejects references that no trigger could ever define.
func (c *compiler) checkRefs(e *expr.Expr, loopVar string) error {
	for _, ref := range e.Refs() {
		switch {
		case ref.Root == "variables" && len(ref.Path) > 0:
			if !isVariable(ref.Name()) {
				return &expr.UnknownIdentifierError{Name: ref.String()}
			}
		case ref.Root == "parameters" && len(ref.Path) > 0:
			if _, ok := c.doc.parameter(ref.Name()); !ok {
				return &expr.UnknownIdentifierError{Name: ref.String()}
			}
		case loopVar != "" && ref.Root == loopVar && len(ref.Path) == 0:
		default:
			return &expr.UnknownIdentifierError{Name: ref.String()}
		}
	}
	return nil
}

func isVariable(name string) bool {
	for _, v := range trigger.VariableNames() {
		if strings.EqualFold(v, name) {
			return true
		}
	}
	return false
}

func fingerprintDocument(d *Document) (string, error) {
	body, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshal document fingerprint input: %w", err)
	}
	sum := blake3.Sum256(body)
	return "blake3:" + hex.EncodeToString(sum[:]), nil
}

package planner

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/mattjoyce/sluice/internal/expr"
	"github.com/mattjoyce/sluice/internal/pipeline/dsl"
	"github.com/mattjoyce/sluice/internal/trigger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadFixture(t *testing.T) *dsl.Document {
	t.Helper()
	doc, err := dsl.Load(filepath.Join("testdata", "pipeline.yaml"))
	require.NoError(t, err)
	return doc
}

func compile(t *testing.T, src string) *dsl.Document {
	t.Helper()
	spec, err := dsl.Parse([]byte(src), "inline")
	require.NoError(t, err)
	doc, err := dsl.Compile(spec)
	require.NoError(t, err)
	return doc
}

func classify(t *testing.T, ev trigger.Event) trigger.Context {
	t.Helper()
	if ev.RepositoryName == "" {
		ev.RepositoryName = "Qiskit/qiskit"
	}
	tc, err := trigger.Classify(ev)
	require.NoError(t, err)
	return tc
}

func stageNames(p *Plan) []string {
	names := make([]string, 0, len(p.Stages))
	for _, s := range p.Stages {
		names = append(names, s.Name)
	}
	return names
}

func TestScheduleOnMainPlansNightlyOnly(t *testing.T) {
	doc := loadFixture(t)
	tc := classify(t, trigger.Event{Reason: "Schedule", SourceBranch: "refs/heads/main", SourceVersion: "abc123"})

	plan, err := Build(doc, tc, nil, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"Nightly", "Nightly_Failure"}, stageNames(plan))
	assert.False(t, plan.AutoCancel)

	nightly, ok := plan.Stage("Nightly")
	require.True(t, ok)
	assert.Nil(t, nightly.Guard)
	require.Len(t, nightly.Jobs, 5)
	wantVersions := []string{"3.9", "3.10", "3.11", "3.12", "3.13"}
	for i, job := range nightly.Jobs {
		assert.Equal(t, "Nightly/test-linux["+string(rune('0'+i))+"]", job.ID)
		assert.Equal(t, i, job.Index)
		assert.Equal(t, wantVersions[i], job.Parameters["pythonVersion"].String())
		assert.True(t, job.Parameters["testImages"].Truthy())
	}

	failure, ok := plan.Stage("Nightly_Failure")
	require.True(t, ok)
	require.NotNil(t, failure.Guard)
	assert.Equal(t, dsl.ResultFailed, failure.Guard.Result)
	assert.Equal(t, []string{"Nightly"}, failure.Guard.DependsOn)
	assert.Empty(t, failure.Jobs)
	require.NotNil(t, failure.Notification)
	assert.Equal(t, Notification{Channel: "comment", TargetID: "7724", Message: "Nightly build failed on abc123"}, *failure.Notification)

	assert.Equal(t, 5, plan.JobCount())
}

func TestScheduleOnOtherBranchPlansNothing(t *testing.T) {
	doc := loadFixture(t)
	tc := classify(t, trigger.Event{Reason: "Schedule", SourceBranch: "refs/heads/stable/1.0"})

	plan, err := Build(doc, tc, nil, Options{})
	require.NoError(t, err)
	assert.Empty(t, plan.Stages)
	assert.Len(t, plan.Excluded, 5)
}

func TestPullRequestPlansPreliminaryThenTests(t *testing.T) {
	doc := loadFixture(t)
	tc := classify(t, trigger.Event{Reason: "PullRequest", SourceBranch: "refs/pull/42/merge", TargetBranch: "main"})

	plan, err := Build(doc, tc, nil, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"Lint_Docs_Prelim_Tests", "Tests"}, stageNames(plan))
	assert.True(t, plan.AutoCancel)

	prelim, _ := plan.Stage("Lint_Docs_Prelim_Tests")
	require.Len(t, prelim.Jobs, 2)
	assert.Equal(t, "Lint_Docs_Prelim_Tests/lint_docs_qpy-linux", prelim.Jobs[0].ID)
	assert.Equal(t, "3.9", prelim.Jobs[0].Parameters["pythonVersion"].String())
	assert.Equal(t, "3.13", prelim.Jobs[1].Parameters["pythonVersion"].String())

	tests, _ := plan.Stage("Tests")
	require.NotNil(t, tests.Guard)
	assert.Equal(t, dsl.ResultSucceeded, tests.Guard.Result)
	require.Len(t, tests.Jobs, 2)
	assert.Equal(t, "test-macos", tests.Jobs[0].Name)
	assert.Equal(t, "test-windows", tests.Jobs[1].Name)
}

func TestIndividualCIPlansPushOnly(t *testing.T) {
	doc := loadFixture(t)

	for _, branch := range []string{"refs/heads/main", "stable/1.0"} {
		t.Run(branch, func(t *testing.T) {
			tc := classify(t, trigger.Event{Reason: "IndividualCI", SourceBranch: branch})
			plan, err := Build(doc, tc, nil, Options{})
			require.NoError(t, err)
			assert.Equal(t, []string{"Push"}, stageNames(plan))
		})
	}

	tc := classify(t, trigger.Event{Reason: "push", SourceBranch: "refs/heads/feature/x"})
	plan, err := Build(doc, tc, nil, Options{})
	require.NoError(t, err)
	assert.Empty(t, plan.Stages)
}

func TestCyclicDependency(t *testing.T) {
	doc := compile(t, `
stages:
  - name: stageA
    dependsOn: stageB
  - name: stageB
    dependsOn: stageA
`)
	tc := classify(t, trigger.Event{Reason: "IndividualCI", SourceBranch: "main"})

	plan, err := Build(doc, tc, nil, Options{})
	require.Error(t, err)
	assert.Nil(t, plan)

	var cyc *CyclicDependencyError
	require.True(t, errors.As(err, &cyc))
	assert.Equal(t, []string{"stageA", "stageB", "stageA"}, cyc.Cycle)
	assert.ErrorIs(t, err, ErrCycle)
	assert.Equal(t, "cyclic stage dependency: stageA -> stageB -> stageA", err.Error())
}

func TestCycleReportedWhenStagesNotSelected(t *testing.T) {
	doc := compile(t, `
stages:
  - name: Build
  - name: A
    condition: eq(variables['Build.Reason'], 'Schedule')
    dependsOn: [C]
  - name: B
    condition: eq(variables['Build.Reason'], 'Schedule')
    dependsOn: [A]
  - name: C
    condition: eq(variables['Build.Reason'], 'Schedule')
    dependsOn: [B]
`)
	tc := classify(t, trigger.Event{Reason: "IndividualCI", SourceBranch: "main"})

	_, err := Build(doc, tc, nil, Options{})
	var cyc *CyclicDependencyError
	require.True(t, errors.As(err, &cyc))
	assert.Equal(t, []string{"A", "C", "B", "A"}, cyc.Cycle)
}

func TestSelfDependencyIsACycle(t *testing.T) {
	doc := compile(t, `
stages:
  - name: Loop
    dependsOn: Loop
`)
	_, err := Order(doc.Stages)
	var cyc *CyclicDependencyError
	require.True(t, errors.As(err, &cyc))
	assert.Equal(t, []string{"Loop", "Loop"}, cyc.Cycle)
}

func TestOrderRespectsDependenciesAndDeclarationOrder(t *testing.T) {
	doc := compile(t, `
stages:
  - name: Deploy
    dependsOn: [Test, Package]
  - name: Test
    dependsOn: Build
  - name: Lint
  - name: Build
  - name: Package
    dependsOn: Build
`)
	order, err := Order(doc.Stages)
	require.NoError(t, err)

	names := make([]string, len(order))
	pos := make(map[string]int, len(order))
	for i, idx := range order {
		names[i] = doc.Stages[idx].Name
		pos[names[i]] = i
	}
	assert.Equal(t, []string{"Lint", "Build", "Test", "Package", "Deploy"}, names)
	for _, s := range doc.Stages {
		for _, dep := range s.DependsOn {
			assert.Less(t, pos[dep], pos[s.Name], "%s must follow %s", s.Name, dep)
		}
	}
}

func TestExcludedDependencyCascades(t *testing.T) {
	doc := compile(t, `
stages:
  - name: A
    condition: eq(variables['Build.Reason'], 'Schedule')
    jobs: [{template: a.yml}]
  - name: B
    dependsOn: A
    jobs: [{template: b.yml}]
  - name: C
    dependsOn: B
    result: always
    jobs: [{template: c.yml}]
  - name: D
    jobs: [{template: d.yml}]
`)
	tc := classify(t, trigger.Event{Reason: "IndividualCI", SourceBranch: "main"})

	plan, err := Build(doc, tc, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"D"}, stageNames(plan))
	assert.Equal(t, []Exclusion{
		{Stage: "A", Reason: "condition is false"},
		{Stage: "B", Reason: `dependency "A" is excluded`},
		{Stage: "C", Reason: `dependency "B" is excluded`},
	}, plan.Excluded)
}

func TestEmptyIterationYieldsZeroInstances(t *testing.T) {
	doc := loadFixture(t)
	tc := classify(t, trigger.Event{Reason: "Schedule", SourceBranch: "main"})
	params, err := doc.Override(doc.Defaults, []string{"supportedPythonVersions="})
	require.NoError(t, err)

	t.Run("satisfied", func(t *testing.T) {
		plan, err := Build(doc, tc, params, Options{EmptyStages: EmptyStagesSatisfied})
		require.NoError(t, err)
		assert.Equal(t, []string{"Nightly", "Nightly_Failure"}, stageNames(plan))
		nightly, _ := plan.Stage("Nightly")
		assert.Empty(t, nightly.Jobs)
	})

	t.Run("excluded", func(t *testing.T) {
		plan, err := Build(doc, tc, params, Options{EmptyStages: EmptyStagesExcluded})
		require.NoError(t, err)
		assert.Empty(t, plan.Stages)
		require.Len(t, plan.Excluded, 5)
		assert.Equal(t, Exclusion{Stage: "Nightly", Reason: "no job instances"}, plan.Excluded[0])
		assert.Equal(t, Exclusion{Stage: "Nightly_Failure", Reason: `dependency "Nightly" is excluded`}, plan.Excluded[1])
	})
}

func TestPlanIsDeterministic(t *testing.T) {
	doc := loadFixture(t)
	ev := trigger.Event{Reason: "Schedule", SourceBranch: "main", SourceVersion: "abc"}

	first, err := Build(doc, classify(t, ev), nil, Options{})
	require.NoError(t, err)
	second, err := Build(doc, classify(t, ev), nil, Options{})
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.Equal(t, first.ID, second.ID)

	ev.SourceVersion = "def"
	third, err := Build(doc, classify(t, ev), nil, Options{})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
	assert.Equal(t, first.Key, third.Key)

	ev.SourceBranch = "stable/1.0"
	fourth, err := Build(doc, classify(t, ev), nil, Options{})
	require.NoError(t, err)
	assert.NotEqual(t, first.Key, fourth.Key)
}

func TestUnknownIdentifierAbortsPlanning(t *testing.T) {
	tests := []struct {
		name string
		cond string
		want string
	}{
		{"undeclared parameter", `eq(parameters.missing, 'x')`, "parameters.missing"},
		{"undefined variable in short-circuited branch", `or(true, eq(variables['Build.Nope'], 'x'))`, "variables['Build.Nope']"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := &dsl.Document{
				Stages: []dsl.Stage{
					{Name: "Fine", Result: dsl.ResultSucceeded},
					{Name: "Broken", Condition: expr.MustParse(tt.cond), Result: dsl.ResultSucceeded},
				},
			}
			tc := classify(t, trigger.Event{Reason: "IndividualCI", SourceBranch: "main"})

			plan, err := Build(doc, tc, dsl.ParameterSet{}, Options{})
			require.Error(t, err)
			assert.Nil(t, plan)
			var unknown *expr.UnknownIdentifierError
			require.True(t, errors.As(err, &unknown))
			assert.Equal(t, tt.want, unknown.Name)
		})
	}
}

func TestParseEmptyStagePolicy(t *testing.T) {
	p, err := ParseEmptyStagePolicy("")
	require.NoError(t, err)
	assert.Equal(t, EmptyStagesSatisfied, p)

	p, err = ParseEmptyStagePolicy("Excluded")
	require.NoError(t, err)
	assert.Equal(t, EmptyStagesExcluded, p)

	_, err = ParseEmptyStagePolicy("sometimes")
	require.Error(t, err)
}

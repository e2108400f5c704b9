package expr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testScope() MapScope {
	return MapScope{
		"variables": {
			"Build.Reason":       String("Schedule"),
			"Build.SourceBranch": String("refs/heads/main"),
		},
		"parameters": {
			"supportedPythonVersions": List("3.8", "3.9", "3.10"),
			"runNightly":              Bool(true),
			"shards":                  Number(4),
		},
		"item": {
			"": String("3.9"),
		},
	}
}

func TestParseAndEval(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want bool
	}{
		{"eq string", `eq(variables['Build.Reason'], 'Schedule')`, true},
		{"eq ignores case", `eq(variables['Build.Reason'], 'schedule')`, true},
		{"dotted variable", `eq(variables.Build.Reason, 'Schedule')`, true},
		{"ne", `ne(variables['Build.Reason'], 'PullRequest')`, true},
		{"and", `and(eq(variables['Build.Reason'], 'Schedule'), eq(variables['Build.SourceBranch'], 'refs/heads/main'))`, true},
		{"and false", `and(eq(variables['Build.Reason'], 'Schedule'), eq(variables['Build.SourceBranch'], 'refs/heads/dev'))`, false},
		{"or", `or(eq(variables['Build.Reason'], 'PullRequest'), eq(variables['Build.Reason'], 'Schedule'))`, true},
		{"not", `not(eq(variables['Build.Reason'], 'PullRequest'))`, true},
		{"startsWith", `startsWith(variables['Build.SourceBranch'], 'refs/heads/')`, true},
		{"endsWith", `endsWith(variables['Build.SourceBranch'], '/MAIN')`, true},
		{"contains substring", `contains(variables['Build.SourceBranch'], 'heads')`, true},
		{"contains list", `contains(parameters.supportedPythonVersions, '3.10')`, true},
		{"containsValue", `containsValue(parameters.supportedPythonVersions, '3.11')`, false},
		{"in literal set", `in(variables['Build.Reason'], 'IndividualCI', 'Schedule')`, true},
		{"in list parameter", `in(item, parameters.supportedPythonVersions)`, true},
		{"notIn", `notIn(variables['Build.Reason'], 'IndividualCI', 'PullRequest')`, true},
		{"bool parameter", `parameters.runNightly`, true},
		{"number compare converts right side", `eq(parameters.shards, '4')`, true},
		{"bool literal", `and(true, not(false))`, true},
		{"template wrapper", `${{ eq(variables['Build.Reason'], 'Schedule') }}`, true},
		{"quote escape", `eq('it''s', 'IT''S')`, true},
		{"case-insensitive function names", `EQ(variables['Build.Reason'], 'Schedule')`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := Parse(tt.src)
			require.NoError(t, err)
			got, err := EvalBool(e, testScope())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSyntaxErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"empty", ``},
		{"empty template", `${{ }}`},
		{"unknown function", `frobnicate('a')`},
		{"status function is not a plan-time function", `failed()`},
		{"unterminated string", `eq('a, 'b')`},
		{"missing paren", `eq('a', 'b'`},
		{"trailing tokens", `eq('a', 'b') 'c'`},
		{"and arity", `and(true)`},
		{"not arity", `not(true, false)`},
		{"bad index", `variables[1]`},
		{"stray character", `eq('a', 'b') && true`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.src)
			require.Error(t, err)
			var synErr *SyntaxError
			assert.True(t, errors.As(err, &synErr), "want *SyntaxError, got %T", err)
		})
	}
}

func TestUnknownIdentifierIsFatal(t *testing.T) {
	e, err := Parse(`eq(variables['Build.Nope'], 'x')`)
	require.NoError(t, err)

	_, err = EvalBool(e, testScope())
	var unknown *UnknownIdentifierError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "variables['Build.Nope']", unknown.Name)
}

func TestUnknownIdentifierInShortCircuitedBranch(t *testing.T) {
	// The second operand is never evaluated, but the reference is still checked.
	e, err := Parse(`or(true, eq(parameters.missing, 'x'))`)
	require.NoError(t, err)

	_, err = EvalBool(e, testScope())
	var unknown *UnknownIdentifierError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "parameters.missing", unknown.Name)
}

func TestShortCircuitSkipsFailingOperand(t *testing.T) {
	tests := []struct {
		src  string
		want bool
	}{
		{`or(true, format('{9}'))`, true},
		{`and(false, format('{9}'))`, false},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			got, err := EvalBool(MustParse(tt.src), testScope())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := EvalBool(MustParse(`or(false, format('{9}'))`), testScope())
	require.Error(t, err)
}

type countingScope struct {
	MapScope
	calls int
}

func (c *countingScope) Resolve(ref Reference) (Value, error) {
	c.calls++
	return c.MapScope.Resolve(ref)
}

func TestRefsAreDeduplicated(t *testing.T) {
	e := MustParse(`or(eq(variables['Build.Reason'], 'a'), eq(variables.Build.Reason, 'b'), eq(item, '3.9'))`)
	refs := e.Refs()
	require.Len(t, refs, 2)
	assert.Equal(t, "variables['Build.Reason']", refs[0].String())
	assert.Equal(t, "item", refs[1].String())

	scope := &countingScope{MapScope: testScope()}
	ok, err := EvalBool(e, scope)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, scope.calls)
}

func TestEvalIsDeterministic(t *testing.T) {
	e := MustParse(`and(contains(parameters.supportedPythonVersions, item), startsWith(variables['Build.SourceBranch'], 'refs/'))`)
	first, err := Eval(e, testScope())
	require.NoError(t, err)
	for range 20 {
		again, err := Eval(e, testScope())
		require.NoError(t, err)
		assert.True(t, first.Equal(again))
	}
}

func TestNilExprIsTrue(t *testing.T) {
	ok, err := EvalBool(nil, testScope())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestValueConversions(t *testing.T) {
	v, err := FromAny([]any{"3.8", 3.9, 4})
	require.NoError(t, err)
	assert.Equal(t, KindList, v.Kind())
	assert.Equal(t, []string{"3.8", "3.9", "4"}, v.Items())

	_, err = FromAny([]any{[]any{"nested"}})
	assert.Error(t, err)

	_, err = FromAny(map[string]any{"k": "v"})
	assert.Error(t, err)

	assert.False(t, String("").Truthy())
	assert.True(t, String("x").Truthy())
	assert.False(t, List().Truthy())
	assert.Equal(t, "1.5", Number(1.5).String())
	assert.True(t, Bool(true).Equal(String("yes")))
	assert.False(t, String("a").Equal(Null))

	out, err := List().MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "[]", string(out))
}

func TestFormat(t *testing.T) {
	v, err := Eval(MustParse(`format('{0} on {1} {{ok}}', variables['Build.Reason'], item)`), testScope())
	require.NoError(t, err)
	assert.Equal(t, "Schedule on 3.9 {ok}", v.String())

	_, err = Eval(MustParse(`format('{2}', item)`), testScope())
	require.Error(t, err)
}

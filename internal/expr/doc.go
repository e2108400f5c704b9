// Package expr parses and evaluates pipeline template expressions.
//
// Expressions use a function-call grammar:
//
//	and(eq(variables['Build.Reason'], 'Schedule'), startsWith(variables['Build.SourceBranch'], 'refs/heads/'))
//
// An expression is parsed once into a small tree and evaluated against a Scope.
// Evaluation is pure: the same tree and scope always yield the same value.
//
// Supported functions: and, or, not, eq, ne, contains, startsWith, endsWith,
// in, notIn, containsValue, format. String comparisons are ordinal and ignore
// case. When the operands of a comparison have different kinds, the right
// operand is converted to the kind of the left one.
//
// Every reference is resolved before evaluation starts, so an undefined
// identifier is reported even when it sits in a branch that and/or would
// short-circuit past.
package expr

// Package planner turns a compiled pipeline document and a trigger context
// into a Plan.
//
// Planning is two steps. Select evaluates stage conditions and expands job
// matrices; Resolve orders stages by dependsOn, cascades exclusions and
// attaches a DeferredGuard to every stage that must wait for its
// dependencies' outcomes. Neither step has side effects, and identical
// inputs produce byte-identical plans.
package planner

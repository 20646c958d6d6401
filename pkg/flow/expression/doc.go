// Package expression provides guard evaluation for flow connections.
//
// It uses the expr-lang/expr library to evaluate boolean expressions
// that determine whether a connection fires. This is the guard grammar
// for the engine; expressions are evaluated against the run context:
//
//   - vars.<name>: the run variables
//   - steps.<step_id>.<field>: outputs of completed steps
//   - last.<field>: the output of the most recently completed step
//
// Supported constructs:
//
//   - Comparisons: ==, !=, <, >, <=, >=
//   - Boolean logic: &&, ||, !
//   - Membership: "value" in array (built-in operator)
//   - Custom functions: has(array, element), length(value)
//
// Example guards:
//
//	vars.mode == "strict"
//	steps.classify.label == "spam" && vars.count > 0
//	has(vars.personas, "security")
//
// An empty guard always fires. The evaluator caches compiled
// expressions for repeated evaluation.
package expression

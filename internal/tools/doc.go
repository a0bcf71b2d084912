// Package tools provides host runtime helpers used by the task supervisor.
//
// Ownership boundary:
// - local child process execution (ExecSpawner)
// - exit status classification
package tools

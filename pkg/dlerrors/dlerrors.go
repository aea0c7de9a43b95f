// Package dlerrors defines the error-kind taxonomy shared across DevLoop's
// components. Kinds are distinguished by type, not by string matching, so
// callers at a process boundary can dispatch with errors.As.
package dlerrors

import "fmt"

// Kind identifies which taxonomy bucket an error belongs to.
type Kind string

const (
	KindConfig         Kind = "config_error"
	KindSingleInstance Kind = "single_instance_error"
	KindWatcher        Kind = "watcher_error"
	KindAgentHandler   Kind = "agent_handler_failure"
	KindAgentLoop      Kind = "agent_loop_crash"
	KindRunner         Kind = "runner_error"
	KindPersistence    Kind = "persistence_error"
	KindCorruptState   Kind = "corrupt_state_error"
)

// Error is a taxonomy-tagged error. It wraps an underlying cause so
// errors.Is/errors.As and %w formatting keep working across the wrap.
type Error struct {
	Kind  Kind
	Field string // offending config path, agent name, file path, etc., when applicable
	Err   error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Field, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, field string, err error) *Error {
	return &Error{Kind: kind, Field: field, Err: err}
}

func Config(field string, err error) *Error       { return New(KindConfig, field, err) }
func SingleInstance(err error) *Error             { return New(KindSingleInstance, "", err) }
func Watcher(err error) *Error                    { return New(KindWatcher, "", err) }
func AgentHandler(agent string, err error) *Error { return New(KindAgentHandler, agent, err) }
func AgentLoop(agent string, err error) *Error    { return New(KindAgentLoop, agent, err) }
func Runner(executable string, err error) *Error  { return New(KindRunner, executable, err) }
func Persistence(path string, err error) *Error   { return New(KindPersistence, path, err) }
func CorruptState(path string, err error) *Error  { return New(KindCorruptState, path, err) }

// ExitCode maps a Kind to the daemon process's exit code.
// Kinds that are contained at a subsystem boundary (everything except
// Config and SingleInstance) return 4, the catch-all unrecoverable code,
// since reaching main() with one of them uncaught means containment failed.
func ExitCode(kind Kind) int {
	switch kind {
	case KindConfig:
		return 2
	case KindSingleInstance:
		return 3
	default:
		return 4
	}
}

// Package runnererr defines the error taxonomy surfaced by the agent
// lifecycle engine: AgentNotFound, AgentNotRunning, BuildFailed,
// ContainerError, ConfigError, InvokeFailed. Each carries the HTTP status
// an API surface should map it to.
package runnererr

import (
	"fmt"
	"net/http"
)

// Kind identifies which of the taxonomy's error classes an Error is.
type Kind string

const (
	KindAgentNotFound   Kind = "AGENT_NOT_FOUND"
	KindAgentNotRunning Kind = "AGENT_NOT_RUNNING"
	KindBuildFailed     Kind = "BUILD_FAILED"
	KindContainerError  Kind = "CONTAINER_ERROR"
	KindConfigError     Kind = "CONFIG_ERROR"
	KindInvokeFailed    Kind = "INVOKE_FAILED"
)

// Error is the taxonomy's single error type. Status is meaningful only
// for KindInvokeFailed, where it carries the upstream status hint; for
// every other kind HTTPStatus derives the status from Kind alone.
type Error struct {
	Kind    Kind
	Message string
	Status  int    // InvokeFailed only: the remote/transport status hint
	Logs    string // BuildFailed only: the captured build stream
}

func (e *Error) Error() string {
	return e.Message
}

// HTTPStatus maps the error's Kind to the HTTP status an API surface
// should respond with, per spec.md §7.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindAgentNotFound:
		return http.StatusNotFound
	case KindAgentNotRunning:
		return http.StatusBadRequest
	case KindBuildFailed:
		return http.StatusBadRequest
	case KindConfigError:
		return http.StatusBadRequest
	case KindContainerError:
		return http.StatusInternalServerError
	case KindInvokeFailed:
		if e.Status != 0 {
			return e.Status
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AgentNotFound reports that no registry entry exists for agentID.
func AgentNotFound(agentID string) *Error {
	return &Error{Kind: KindAgentNotFound, Message: fmt.Sprintf("agent %s not found", agentID)}
}

// AgentNotRunning reports that agentID exists but isn't running.
func AgentNotRunning(agentID, status string) *Error {
	return &Error{Kind: KindAgentNotRunning, Message: fmt.Sprintf("agent %s is not running (status: %s)", agentID, status)}
}

// BuildFailed reports that the image build step failed, with the
// captured build log stream attached for diagnostics.
func BuildFailed(message, logs string) *Error {
	return &Error{Kind: KindBuildFailed, Message: message, Logs: logs}
}

// ContainerError reports that a container runtime operation failed.
func ContainerError(message string) *Error {
	return &Error{Kind: KindContainerError, Message: message}
}

// ConfigError reports that the agent bundle or its oken.toml is invalid.
func ConfigError(message string) *Error {
	return &Error{Kind: KindConfigError, Message: message}
}

// InvokeFailed reports that forwarding a request to a running replica
// failed, with status carrying the HTTP status hint from spec.md §4.5.
func InvokeFailed(message string, status int) *Error {
	return &Error{Kind: KindInvokeFailed, Message: message, Status: status}
}

// As reports whether err is a *Error and returns it.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}

// Package providers defines the canonical shapes shared by every upstream
// client. The orchestrator and reconciler only ever see these types; the
// per-provider packages translate their own payloads into them.
package providers

import (
	"errors"
	"fmt"
	"net/http"
)

// ManagedPrefix marks provider-side resources created by this system. Every
// client embeds the owning instance id after the prefix so the reconciler
// can recover it from a name or client id.
const ManagedPrefix = "convos-agent-"

// ManagedName returns the naming-convention name for a resource owned by the
// given instance.
func ManagedName(instanceID string) string {
	return ManagedPrefix + instanceID
}

// Error is the uniform failure signal for upstream calls.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider error (status %d): %s", e.StatusCode, e.Message)
}

// NewError builds an Error from an upstream status code and message.
func NewError(statusCode int, message string) *Error {
	return &Error{StatusCode: statusCode, Message: message}
}

// IsNotFound reports whether err is an upstream 404. Delete flows treat
// not-found as already gone.
func IsNotFound(err error) bool {
	var perr *Error
	return errors.As(err, &perr) && perr.StatusCode == http.StatusNotFound
}

// ToolGrant is the result of provisioning one tool resource: the
// provider-side identifier plus the environment variable the instance needs
// to use it.
type ToolGrant struct {
	ResourceID string
	EnvKey     string
	EnvValue   string
	Meta       map[string]string
}

// ServiceStatus is the normalized live state of one compute service.
type ServiceStatus struct {
	ServiceID      string
	Name           string
	DeployStatus   string
	Domain         string
	Image          string
	EnvironmentIDs []string
}

// ManagedResource is one provider-side resource as seen by the reconciler.
// InstanceID is parsed out of the name or client id and is empty when the
// resource does not follow the managed naming convention.
type ManagedResource struct {
	ID         string
	Name       string
	InstanceID string
}

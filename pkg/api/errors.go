/*
Copyright The Volcano Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"errors"
	"fmt"
	"net/http"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	resourceGroup         = "workspace-proxy.volcano.sh"
	workspaceResourceName = "workspaces"

	// StatusReasonBadGateway marks failures of the proxied connection itself.
	StatusReasonBadGateway metav1.StatusReason = "BadGateway"
)

var (
	// ErrMissingHost indicates that the request carried no host header.
	ErrMissingHost = errors.New("missing host")

	// ErrMalformedRoute indicates a host that does not follow <workspace>.<port>.<domain>.
	ErrMalformedRoute = errors.New("malformed route")

	// ErrWorkspaceNotFound indicates that neither the engine nor the store knows the workspace.
	ErrWorkspaceNotFound = errors.New("workspace not found")

	// ErrWorkspaceNotRunning indicates that the workspace exists but cannot serve traffic.
	ErrWorkspaceNotRunning = errors.New("workspace not running")

	// ErrPortUnmapped indicates that no resolution step produced a port for the token.
	ErrPortUnmapped = errors.New("port not found")
)

// ResolutionReason classifies a failed port resolution.
type ResolutionReason string

const (
	ReasonNotFound     ResolutionReason = "NotFound"
	ReasonNotRunning   ResolutionReason = "NotRunning"
	ReasonPortUnmapped ResolutionReason = "PortUnmapped"
)

func failure(code int, reason metav1.StatusReason, message string) metav1.Status {
	return metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    int32(code),
		Reason:  reason,
		Message: message,
		Details: &metav1.StatusDetails{
			Group: resourceGroup,
			Kind:  workspaceResourceName,
		},
	}
}

// ParseError reports a host header that could not be decoded into a route.
type ParseError struct {
	Host string
	Err  error
}

func NewParseError(host string, err error) *ParseError {
	return &ParseError{Host: host, Err: err}
}

func (e *ParseError) Error() string {
	if e.Host == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v: %q", e.Err, e.Host)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Status implements apierrors.APIStatus.
func (e *ParseError) Status() metav1.Status {
	return failure(http.StatusBadRequest, metav1.StatusReasonBadRequest, e.Error())
}

// ResolutionError reports that a route could not be turned into a backend port.
type ResolutionError struct {
	Reason      ResolutionReason
	WorkspaceID string
	PortToken   string
}

func NewWorkspaceNotFoundError(workspaceID string) *ResolutionError {
	return &ResolutionError{Reason: ReasonNotFound, WorkspaceID: workspaceID}
}

func NewWorkspaceNotRunningError(workspaceID string) *ResolutionError {
	return &ResolutionError{Reason: ReasonNotRunning, WorkspaceID: workspaceID}
}

func NewPortUnmappedError(workspaceID, portToken string) *ResolutionError {
	return &ResolutionError{Reason: ReasonPortUnmapped, WorkspaceID: workspaceID, PortToken: portToken}
}

func (e *ResolutionError) Error() string {
	switch e.Reason {
	case ReasonNotFound:
		return fmt.Sprintf("workspace %s not found", e.WorkspaceID)
	case ReasonNotRunning:
		return fmt.Sprintf("workspace %s is not running", e.WorkspaceID)
	default:
		return fmt.Sprintf("port %q not found for workspace %s", e.PortToken, e.WorkspaceID)
	}
}

// Is lets callers match resolution failures against the package sentinels.
func (e *ResolutionError) Is(target error) bool {
	switch target {
	case ErrWorkspaceNotFound:
		return e.Reason == ReasonNotFound
	case ErrWorkspaceNotRunning:
		return e.Reason == ReasonNotRunning
	case ErrPortUnmapped:
		return e.Reason == ReasonPortUnmapped
	}
	return false
}

// Status implements apierrors.APIStatus.
func (e *ResolutionError) Status() metav1.Status {
	switch e.Reason {
	case ReasonNotFound:
		st := failure(http.StatusNotFound, metav1.StatusReasonNotFound, e.Error())
		st.Details.Name = e.WorkspaceID
		return st
	case ReasonNotRunning:
		st := failure(http.StatusServiceUnavailable, metav1.StatusReasonServiceUnavailable, e.Error())
		st.Details.Name = e.WorkspaceID
		return st
	default:
		st := failure(http.StatusBadRequest, metav1.StatusReasonBadRequest, e.Error())
		st.Details.Name = e.WorkspaceID
		return st
	}
}

// EngineError wraps a container engine transport or timeout failure.
type EngineError struct {
	Op          string
	WorkspaceID string
	Err         error
}

func NewEngineError(op, workspaceID string, err error) *EngineError {
	return &EngineError{Op: op, WorkspaceID: workspaceID, Err: err}
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %s %s: %v", e.Op, e.WorkspaceID, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// Status implements apierrors.APIStatus.
func (e *EngineError) Status() metav1.Status {
	return failure(http.StatusServiceUnavailable, metav1.StatusReasonServiceUnavailable, e.Error())
}

// StoreError wraps a metadata store failure.
type StoreError struct {
	Op          string
	WorkspaceID string
	Err         error
}

func NewStoreError(op, workspaceID string, err error) *StoreError {
	return &StoreError{Op: op, WorkspaceID: workspaceID, Err: err}
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.WorkspaceID, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Status implements apierrors.APIStatus.
func (e *StoreError) Status() metav1.Status {
	return failure(http.StatusServiceUnavailable, metav1.StatusReasonServiceUnavailable, e.Error())
}

// BackendError reports a failed proxied connection after resolution succeeded.
type BackendError struct {
	WorkspaceID string
	Target      string
	Err         error
}

func NewBackendError(workspaceID, target string, err error) *BackendError {
	return &BackendError{WorkspaceID: workspaceID, Target: target, Err: err}
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s for workspace %s unreachable: %v", e.Target, e.WorkspaceID, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Status implements apierrors.APIStatus.
func (e *BackendError) Status() metav1.Status {
	return failure(http.StatusBadGateway, StatusReasonBadGateway, e.Error())
}

// IsFallthrough reports whether err is a dependency failure that the resolver
// absorbs by moving on to its next step.
func IsFallthrough(err error) bool {
	var engineErr *EngineError
	var storeErr *StoreError
	return errors.As(err, &engineErr) || errors.As(err, &storeErr)
}

// HTTPStatusFor maps an error to the status code and reason to send to clients.
func HTTPStatusFor(err error) (int, metav1.StatusReason) {
	var status apierrors.APIStatus
	if errors.As(err, &status) {
		st := status.Status()
		return int(st.Code), st.Reason
	}
	return http.StatusInternalServerError, metav1.StatusReasonInternalError
}

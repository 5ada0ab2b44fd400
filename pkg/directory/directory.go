// Package directory resolves workflow deployments to bridge endpoints.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rexsync/rexsync/pkg/entity"
)

// Directory lists the deployments known to the engine.
type Directory interface {
	// GetDeployments returns the cached deployments, fetching them when
	// forceRefresh is set or the cache is empty.
	GetDeployments(ctx context.Context, forceRefresh bool) ([]entity.WorkflowDeployment, error)
	// ResolveByName finds a deployment by workflow name.
	ResolveByName(ctx context.Context, name string) (entity.WorkflowDeployment, error)
	// Resolve finds the deployment owning a deployment id.
	Resolve(ctx context.Context, deploymentID string) (entity.WorkflowDeployment, error)
}

// UnreachableError indicates that the directory itself could not be queried.
type UnreachableError struct {
	URL   string
	Cause error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("deployment directory unreachable at %s: %v", e.URL, e.Cause)
}

func (e *UnreachableError) Unwrap() error { return e.Cause }

// NotFoundError indicates that no deployment matches the lookup key.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("deployment not found: %s", e.Key)
}

// IsUnreachable reports whether err is (or wraps) an UnreachableError.
func IsUnreachable(err error) bool {
	var ue *UnreachableError
	return errors.As(err, &ue)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func findByName(list []entity.WorkflowDeployment, name string) (entity.WorkflowDeployment, bool) {
	for _, d := range list {
		if d.Name == name {
			return d, true
		}
	}
	return entity.WorkflowDeployment{}, false
}

func findByID(list []entity.WorkflowDeployment, id string) (entity.WorkflowDeployment, bool) {
	for _, d := range list {
		if d.HasDeployment(id) {
			return d, true
		}
	}
	return entity.WorkflowDeployment{}, false
}

func cloneDeployments(list []entity.WorkflowDeployment) []entity.WorkflowDeployment {
	out := make([]entity.WorkflowDeployment, len(list))
	for i, d := range list {
		d.DeploymentIDs = append([]string(nil), d.DeploymentIDs...)
		out[i] = d
	}
	return out
}

func sortDeployments(list []entity.WorkflowDeployment) {
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
}

// Static is a fixed Directory, for tests and single-engine setups.
type Static struct {
	mu          sync.RWMutex
	deployments []entity.WorkflowDeployment
}

var _ Directory = (*Static)(nil)

// NewStatic creates a directory serving deployments.
func NewStatic(deployments ...entity.WorkflowDeployment) *Static {
	s := &Static{}
	s.Set(deployments...)
	return s
}

// Set replaces the served deployments.
func (s *Static) Set(deployments ...entity.WorkflowDeployment) {
	list := cloneDeployments(deployments)
	sortDeployments(list)
	s.mu.Lock()
	s.deployments = list
	s.mu.Unlock()
}

// GetDeployments returns a copy of the served deployments.
func (s *Static) GetDeployments(ctx context.Context, forceRefresh bool) ([]entity.WorkflowDeployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneDeployments(s.deployments), nil
}

func (s *Static) ResolveByName(ctx context.Context, name string) (entity.WorkflowDeployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := findByName(s.deployments, name); ok {
		return d, nil
	}
	return entity.WorkflowDeployment{}, &NotFoundError{Key: name}
}

func (s *Static) Resolve(ctx context.Context, deploymentID string) (entity.WorkflowDeployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := findByID(s.deployments, deploymentID); ok {
		return d, nil
	}
	return entity.WorkflowDeployment{}, &NotFoundError{Key: deploymentID}
}

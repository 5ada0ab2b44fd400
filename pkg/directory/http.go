package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/rexsync/rexsync/pkg/bridge"
	"github.com/rexsync/rexsync/pkg/entity"
	"github.com/rexsync/rexsync/pkg/logger"
)

const (
	directoryTracerName = "rexsync.directory"
	refreshKey          = "wf_map"
)

// Options configures an HTTPDirectory.
type Options struct {
	// URL is the directory host; the map is read from URL + Path.
	URL        string
	Path       string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     logger.Logger
}

// HTTPDirectory reads the deployment map over HTTP and caches it.
// Concurrent refreshes share one request.
type HTTPDirectory struct {
	opts       Options
	httpClient *http.Client
	log        logger.Logger

	mu    sync.RWMutex
	cache []entity.WorkflowDeployment

	group singleflight.Group
}

var _ Directory = (*HTTPDirectory)(nil)

// NewHTTPDirectory creates a directory client.
func NewHTTPDirectory(opts Options) *HTTPDirectory {
	if opts.Path == "" {
		opts.Path = "/wf_map"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	d := &HTTPDirectory{opts: opts, httpClient: opts.HTTPClient, log: opts.Logger}
	if d.httpClient == nil {
		d.httpClient = &http.Client{}
	}
	if d.log == nil {
		d.log = logger.Global().Named("directory")
	}
	return d
}

// GetDeployments returns the cached map, refreshing it when forced or empty.
func (d *HTTPDirectory) GetDeployments(ctx context.Context, forceRefresh bool) ([]entity.WorkflowDeployment, error) {
	if !forceRefresh {
		d.mu.RLock()
		cached := d.cache
		d.mu.RUnlock()
		if len(cached) > 0 {
			return cloneDeployments(cached), nil
		}
	}
	list, err := d.refresh(ctx)
	if err != nil {
		return nil, err
	}
	return cloneDeployments(list), nil
}

// ResolveByName finds a deployment by name, refreshing once on a miss.
func (d *HTTPDirectory) ResolveByName(ctx context.Context, name string) (entity.WorkflowDeployment, error) {
	return d.lookup(ctx, name, func(list []entity.WorkflowDeployment) (entity.WorkflowDeployment, bool) {
		return findByName(list, name)
	})
}

// Resolve finds the deployment owning deploymentID, refreshing once on a miss.
func (d *HTTPDirectory) Resolve(ctx context.Context, deploymentID string) (entity.WorkflowDeployment, error) {
	return d.lookup(ctx, deploymentID, func(list []entity.WorkflowDeployment) (entity.WorkflowDeployment, bool) {
		return findByID(list, deploymentID)
	})
}

func (d *HTTPDirectory) lookup(ctx context.Context, key string, find func([]entity.WorkflowDeployment) (entity.WorkflowDeployment, bool)) (entity.WorkflowDeployment, error) {
	list, err := d.GetDeployments(ctx, false)
	if err != nil {
		return entity.WorkflowDeployment{}, err
	}
	if dep, ok := find(list); ok {
		return dep, nil
	}

	list, err = d.GetDeployments(ctx, true)
	if err != nil {
		return entity.WorkflowDeployment{}, err
	}
	if dep, ok := find(list); ok {
		return dep, nil
	}
	return entity.WorkflowDeployment{}, &NotFoundError{Key: key}
}

// refresh fetches the map once for all concurrent callers. The fetch is not
// tied to any caller's cancellation; each caller stops waiting on its own ctx.
func (d *HTTPDirectory) refresh(ctx context.Context) ([]entity.WorkflowDeployment, error) {
	flight := context.WithoutCancel(ctx)
	ch := d.group.DoChan(refreshKey, func() (any, error) {
		list, err := d.fetch(flight)
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.cache = list
		d.mu.Unlock()
		return list, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			d.log.WarnContext(ctx, "deployment directory refresh failed", "error", res.Err, "shared", res.Shared)
			return nil, res.Err
		}
		return res.Val.([]entity.WorkflowDeployment), nil
	}
}

type wfMapResponse struct {
	WFMap map[string][]map[string]string `json:"wf_map"`
}

func (d *HTTPDirectory) fetch(ctx context.Context) (list []entity.WorkflowDeployment, err error) {
	target := strings.TrimRight(d.opts.URL, "/") + d.opts.Path

	ctx, span := otel.Tracer(directoryTracerName).Start(ctx, "directory.fetch")
	span.SetAttributes(attribute.String("directory.url", target))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Int("directory.deployments", len(list)))
		}
		span.End()
	}()

	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &UnreachableError{URL: target, Cause: err}
	}
	req.Header.Set("Accept", "application/json")

	res, err := d.httpClient.Do(req)
	if err != nil {
		return nil, &UnreachableError{URL: target, Cause: err}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, &UnreachableError{URL: target, Cause: fmt.Errorf("HTTP %d: %s", res.StatusCode, body)}
	}

	var payload wfMapResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, &bridge.ContractViolationError{Operation: "wf_map", Detail: "cannot decode deployment map", Cause: err}
	}
	if payload.WFMap == nil {
		return nil, &bridge.ContractViolationError{Operation: "wf_map", Detail: "response has no wf_map"}
	}

	list = make([]entity.WorkflowDeployment, 0, len(payload.WFMap))
	for name, entries := range payload.WFMap {
		dep := entity.WorkflowDeployment{Name: name, DeploymentIDs: []string{}}
		for _, entry := range entries {
			if id, ok := entry["id"]; ok {
				dep.DeploymentIDs = append(dep.DeploymentIDs, id)
			} else if url, ok := entry["bridge_url"]; ok {
				dep.BridgeEndpoint = url
			}
		}
		list = append(list, dep)
	}
	sortDeployments(list)

	d.log.DebugContext(ctx, "deployment directory refreshed", "deployments", len(list))
	return list, nil
}

package entity

import (
	"sort"
	"time"
)

// MetaData is a single key/value pair attached to a workflow instance.
type MetaData struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Workflow is the cached view of one engine workflow instance.
type Workflow struct {
	InstanceID      string            `json:"instance_id"`
	DeploymentID    string            `json:"deployment_id,omitempty"`
	Name            string            `json:"name,omitempty"`
	Status          WorkflowStatus    `json:"status"`
	Tasks           []*Task           `json:"tasks,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	BridgeEndpoint  string            `json:"bridge_endpoint"`
	LastRefreshedAt *time.Time        `json:"last_refreshed_at,omitempty"`
}

// NeedsRefresh reports whether the debounce window has elapsed at now.
// A zero or negative interval always requires a refresh.
func (w *Workflow) NeedsRefresh(now time.Time, interval time.Duration) bool {
	if interval <= 0 || w.LastRefreshedAt == nil {
		return true
	}
	return now.Sub(*w.LastRefreshedAt) >= interval
}

// MarkRefreshed records now as the last refresh time.
func (w *Workflow) MarkRefreshed(now time.Time) {
	t := now
	w.LastRefreshedAt = &t
}

// MatchesMetadata reports whether every pair in want is present on w.
func (w *Workflow) MatchesMetadata(want map[string]string) bool {
	for k, v := range want {
		got, ok := w.Metadata[k]
		if !ok || got != v {
			return false
		}
	}
	return true
}

// MetadataList returns the metadata as engine key/value pairs, sorted by key.
func (w *Workflow) MetadataList() []MetaData {
	return MetadataFromMap(w.Metadata)
}

// TaskIDs returns the ids of the tasks attached to w, in list order.
func (w *Workflow) TaskIDs() []string {
	ids := make([]string, 0, len(w.Tasks))
	for _, t := range w.Tasks {
		ids = append(ids, t.TaskID)
	}
	return ids
}

// Task returns the attached task with the given id.
func (w *Workflow) Task(taskID string) (*Task, bool) {
	for _, t := range w.Tasks {
		if t.TaskID == taskID {
			return t, true
		}
	}
	return nil, false
}

// Clone returns a deep copy of w.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	c := *w
	if w.Metadata != nil {
		c.Metadata = make(map[string]string, len(w.Metadata))
		for k, v := range w.Metadata {
			c.Metadata[k] = v
		}
	}
	if w.Tasks != nil {
		c.Tasks = make([]*Task, len(w.Tasks))
		for i, t := range w.Tasks {
			c.Tasks[i] = t.Clone()
		}
	}
	if w.LastRefreshedAt != nil {
		t := *w.LastRefreshedAt
		c.LastRefreshedAt = &t
	}
	return &c
}

// MetadataFromMap converts a metadata map to a key-sorted list.
func MetadataFromMap(m map[string]string) []MetaData {
	out := make([]MetaData, 0, len(m))
	for k, v := range m {
		out = append(out, MetaData{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// MetadataToMap converts engine key/value pairs into a map. Later keys win.
func MetadataToMap(list []MetaData) map[string]string {
	m := make(map[string]string, len(list))
	for _, d := range list {
		m[d.Key] = d.Value
	}
	return m
}

// InstanceInfo is the engine's summary of one instance of a deployment.
type InstanceInfo struct {
	InstanceID string         `json:"instance_id"`
	Status     WorkflowStatus `json:"status"`
	Metadata   []MetaData     `json:"metadata,omitempty"`
}

// WorkflowDeployment maps a workflow name to its deployments and bridge.
type WorkflowDeployment struct {
	Name           string   `json:"name"`
	DeploymentIDs  []string `json:"deployment_ids"`
	BridgeEndpoint string   `json:"bridge_endpoint"`
}

// DefaultDeploymentID returns the deployment used when starting by name.
func (d WorkflowDeployment) DefaultDeploymentID() (string, bool) {
	if len(d.DeploymentIDs) == 0 {
		return "", false
	}
	return d.DeploymentIDs[0], true
}

// HasDeployment reports whether id belongs to d.
func (d WorkflowDeployment) HasDeployment(id string) bool {
	for _, did := range d.DeploymentIDs {
		if did == id {
			return true
		}
	}
	return false
}

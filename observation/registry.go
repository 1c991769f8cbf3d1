package observation

import (
	"sort"

	"github.com/maxpert/sqlwatch/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
)

// Info describes a registered observation
type Info struct {
	ID         uint64 `json:"id"`
	Name       string `json:"name"`
	Region     string `json:"region"`
	Scheduling string `json:"scheduling"`
	Stats      Stats  `json:"stats"`
}

// Registry tracks running observations for the admin API and the backlog
// collector. Cancelled observations remove themselves.
type Registry struct {
	handles *xsync.MapOf[uint64, *Handle]
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handles: xsync.NewMapOf[uint64, *Handle]()}
}

func (r *Registry) add(h *Handle) {
	h.registry = r
	r.handles.Store(h.id, h)
}

func (r *Registry) remove(id uint64) {
	r.handles.Delete(id)
}

// Get returns the running observation with the given id
func (r *Registry) Get(id uint64) (*Handle, bool) {
	return r.handles.Load(id)
}

// Len returns the number of running observations
func (r *Registry) Len() int {
	return r.handles.Size()
}

// List returns every running observation, ordered by id
func (r *Registry) List() []Info {
	infos := make([]Info, 0, r.handles.Size())
	r.handles.Range(func(id uint64, h *Handle) bool {
		infos = append(infos, Info{
			ID:         id,
			Name:       h.name,
			Region:     h.region,
			Scheduling: h.scheduling.String(),
			Stats:      h.Stats(),
		})
		return true
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Cancel cancels the observation with the given id
func (r *Registry) Cancel(id uint64) bool {
	h, ok := r.handles.Load(id)
	if !ok {
		return false
	}
	h.Cancel()
	return true
}

// CancelAll cancels every running observation
func (r *Registry) CancelAll() {
	r.handles.Range(func(_ uint64, h *Handle) bool {
		h.Cancel()
		return true
	})
}

// Backlogs implements telemetry.BacklogProvider
func (r *Registry) Backlogs() []telemetry.BacklogSample {
	samples := make([]telemetry.BacklogSample, 0, r.handles.Size())
	r.handles.Range(func(_ uint64, h *Handle) bool {
		if h.ownsQueue {
			samples = append(samples, telemetry.BacklogSample{Observation: h.name, Backlog: h.queue.Len()})
		}
		return true
	})
	return samples
}

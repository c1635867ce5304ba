package service

import (
	"maps"
	"slices"
	"sync"

	"github.com/CZERTAINLY/Warden/internal/model"
)

const defaultHistory = 100

// History keeps snapshots of the most recent runs.
type History struct {
	mx    sync.RWMutex
	limit int
	order []string
	runs  map[string]model.RunRecord
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = defaultHistory
	}
	return &History{
		limit: limit,
		runs:  make(map[string]model.RunRecord, limit),
	}
}

// Put stores a snapshot of rec, replacing the previous one with the same id.
func (h *History) Put(rec model.RunRecord) {
	h.mx.Lock()
	defer h.mx.Unlock()
	if _, ok := h.runs[rec.ID]; !ok {
		h.order = append(h.order, rec.ID)
	}
	rec.Results = slices.Clone(rec.Results)
	rec.Bundles = slices.Clone(rec.Bundles)
	rec.Errors = slices.Clone(rec.Errors)
	rec.ToolConfigs = maps.Clone(rec.ToolConfigs)
	h.runs[rec.ID] = rec
	for len(h.order) > h.limit {
		delete(h.runs, h.order[0])
		h.order = h.order[1:]
	}
}

func (h *History) update(id string, fn func(*model.RunRecord)) {
	h.mx.Lock()
	defer h.mx.Unlock()
	rec, ok := h.runs[id]
	if !ok {
		return
	}
	fn(&rec)
	h.runs[id] = rec
}

func (h *History) Get(id string) (model.RunRecord, bool) {
	h.mx.RLock()
	defer h.mx.RUnlock()
	rec, ok := h.runs[id]
	return rec, ok
}

// List returns runs newest first, optionally only those of a ref.
func (h *History) List(ref string) []model.RunRecord {
	h.mx.RLock()
	defer h.mx.RUnlock()
	ret := make([]model.RunRecord, 0, len(h.order))
	for _, id := range slices.Backward(h.order) {
		rec := h.runs[id]
		if ref != "" && rec.Ref != ref {
			continue
		}
		ret = append(ret, rec)
	}
	return ret
}

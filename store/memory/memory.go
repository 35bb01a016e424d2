// Package memory provides an in-memory template.Store for tests and dev.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/rate-engine/rate"
	"github.com/warp/rate-engine/template"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Store keeps everything in maps behind one mutex. WithTx is simulated
// with a snapshot and rollback on error.
type Store struct {
	mu sync.RWMutex
	data
}

type data struct {
	templates    map[string]template.Template
	history      []template.History
	calculations map[string][]template.Calculation // by template id
	bulks        map[string]template.BulkCalculation
}

func New() *Store {
	return &Store{data: newData()}
}

func newData() data {
	return data{
		templates:    make(map[string]template.Template),
		calculations: make(map[string][]template.Calculation),
		bulks:        make(map[string]template.BulkCalculation),
	}
}

func (s *Store) CreateTemplate(ctx context.Context, t template.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.createTemplate(t)
}

func (s *Store) GetTemplate(ctx context.Context, id string) (*template.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getTemplate(id), nil
}

func (s *Store) ListTemplates(ctx context.Context, orgID string) ([]template.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listTemplates(orgID), nil
}

func (s *Store) ListActive(ctx context.Context) ([]template.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listActive(), nil
}

func (s *Store) FindActive(ctx context.Context, orgID, name string) (*template.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.findActive(orgID, name), nil
}

func (s *Store) UpdateTemplate(ctx context.Context, t template.Template, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.updateTemplate(t, expectedVersion)
}

func (s *Store) AppendHistory(ctx context.Context, h template.History) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.history = append(s.data.history, h)
	return nil
}

func (s *Store) ListHistory(ctx context.Context, templateID string) ([]template.History, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listHistory(templateID), nil
}

func (s *Store) RecentHistory(ctx context.Context, orgID string, limit int) ([]template.History, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.recentHistory(orgID, limit), nil
}

func (s *Store) SaveCalculation(ctx context.Context, c template.Calculation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.calculations[c.TemplateID] = append(s.data.calculations[c.TemplateID], c)
	return nil
}

func (s *Store) LatestCalculation(ctx context.Context, templateID string) (*template.Calculation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.latestCalculation(templateID), nil
}

func (s *Store) SaveBulk(ctx context.Context, b template.BulkCalculation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.bulks[b.ID] = b.Clone()
	return nil
}

func (s *Store) GetBulk(ctx context.Context, id string) (*template.BulkCalculation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getBulk(id), nil
}

func (s *Store) ListBulk(ctx context.Context, orgID string) ([]template.BulkCalculation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listBulk(orgID), nil
}

func (s *Store) BulkReferences(ctx context.Context, templateID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.bulkReferences(templateID), nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn under the write lock. On error every change fn made is
// rolled back.
func (s *Store) WithTx(ctx context.Context, fn func(template.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.snapshot()
	if err := fn(&txView{d: &s.data}); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

func (d *data) snapshot() data {
	out := newData()
	for k, v := range d.templates {
		out.templates[k] = v.Clone()
	}
	out.history = append([]template.History(nil), d.history...)
	for k, v := range d.calculations {
		out.calculations[k] = append([]template.Calculation(nil), v...)
	}
	for k, v := range d.bulks {
		out.bulks[k] = v.Clone()
	}
	return out
}

// txView operates on the locked data without taking the lock again.
type txView struct {
	d *data
}

func (tv *txView) CreateTemplate(_ context.Context, t template.Template) error {
	return tv.d.createTemplate(t)
}

func (tv *txView) GetTemplate(_ context.Context, id string) (*template.Template, error) {
	return tv.d.getTemplate(id), nil
}

func (tv *txView) ListTemplates(_ context.Context, orgID string) ([]template.Template, error) {
	return tv.d.listTemplates(orgID), nil
}

func (tv *txView) ListActive(_ context.Context) ([]template.Template, error) {
	return tv.d.listActive(), nil
}

func (tv *txView) FindActive(_ context.Context, orgID, name string) (*template.Template, error) {
	return tv.d.findActive(orgID, name), nil
}

func (tv *txView) UpdateTemplate(_ context.Context, t template.Template, expectedVersion int) error {
	return tv.d.updateTemplate(t, expectedVersion)
}

func (tv *txView) AppendHistory(_ context.Context, h template.History) error {
	tv.d.history = append(tv.d.history, h)
	return nil
}

func (tv *txView) ListHistory(_ context.Context, templateID string) ([]template.History, error) {
	return tv.d.listHistory(templateID), nil
}

func (tv *txView) RecentHistory(_ context.Context, orgID string, limit int) ([]template.History, error) {
	return tv.d.recentHistory(orgID, limit), nil
}

func (tv *txView) SaveCalculation(_ context.Context, c template.Calculation) error {
	tv.d.calculations[c.TemplateID] = append(tv.d.calculations[c.TemplateID], c)
	return nil
}

func (tv *txView) LatestCalculation(_ context.Context, templateID string) (*template.Calculation, error) {
	return tv.d.latestCalculation(templateID), nil
}

func (tv *txView) SaveBulk(_ context.Context, b template.BulkCalculation) error {
	tv.d.bulks[b.ID] = b.Clone()
	return nil
}

func (tv *txView) GetBulk(_ context.Context, id string) (*template.BulkCalculation, error) {
	return tv.d.getBulk(id), nil
}

func (tv *txView) ListBulk(_ context.Context, orgID string) ([]template.BulkCalculation, error) {
	return tv.d.listBulk(orgID), nil
}

func (tv *txView) BulkReferences(_ context.Context, templateID string) ([]string, error) {
	return tv.d.bulkReferences(templateID), nil
}

// WithTx inside a transaction joins it.
func (tv *txView) WithTx(_ context.Context, fn func(template.Store) error) error {
	return fn(tv)
}

// =============================================================================
// UNLOCKED OPERATIONS
// =============================================================================

func (d *data) createTemplate(t template.Template) error {
	if _, exists := d.templates[t.ID]; exists {
		return &rate.ConflictError{TemplateID: t.ID, ExpectedVersion: 0, ActualVersion: d.templates[t.ID].Version}
	}
	d.templates[t.ID] = t.Clone()
	return nil
}

func (d *data) getTemplate(id string) *template.Template {
	t, ok := d.templates[id]
	if !ok {
		return nil
	}
	out := t.Clone()
	return &out
}

func (d *data) listTemplates(orgID string) []template.Template {
	var out []template.Template
	for _, t := range d.templates {
		if t.OrgID == orgID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (d *data) listActive() []template.Template {
	var out []template.Template
	for _, t := range d.templates {
		if t.Status == template.StatusActive {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrgID != out[j].OrgID {
			return out[i].OrgID < out[j].OrgID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (d *data) findActive(orgID, name string) *template.Template {
	for _, t := range d.templates {
		if t.OrgID == orgID && t.Name == name && t.Status == template.StatusActive {
			out := t.Clone()
			return &out
		}
	}
	return nil
}

func (d *data) updateTemplate(t template.Template, expectedVersion int) error {
	cur, ok := d.templates[t.ID]
	if !ok {
		return &rate.NotFoundError{Kind: "template", ID: t.ID}
	}
	if cur.Version != expectedVersion {
		return &rate.ConflictError{TemplateID: t.ID, ExpectedVersion: expectedVersion, ActualVersion: cur.Version}
	}
	d.templates[t.ID] = t.Clone()
	return nil
}

func (d *data) listHistory(templateID string) []template.History {
	var out []template.History
	for _, h := range d.history {
		if h.TemplateID == templateID {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

func (d *data) recentHistory(orgID string, limit int) []template.History {
	var out []template.History
	for i := len(d.history) - 1; i >= 0; i-- {
		if d.history[i].OrgID != orgID {
			continue
		}
		out = append(out, d.history[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (d *data) latestCalculation(templateID string) *template.Calculation {
	calcs := d.calculations[templateID]
	if len(calcs) == 0 {
		return nil
	}
	c := calcs[len(calcs)-1]
	return &c
}

func (d *data) getBulk(id string) *template.BulkCalculation {
	b, ok := d.bulks[id]
	if !ok {
		return nil
	}
	out := b.Clone()
	return &out
}

func (d *data) listBulk(orgID string) []template.BulkCalculation {
	var out []template.BulkCalculation
	for _, b := range d.bulks {
		if b.OrgID == orgID {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (d *data) bulkReferences(templateID string) []string {
	var out []string
	for _, b := range d.bulks {
		for _, id := range b.TemplateIDs {
			if id == templateID {
				out = append(out, b.ID)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

var _ template.Store = (*Store)(nil)

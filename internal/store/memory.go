package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/enrichment-engine/internal/model"
	"github.com/sells-group/enrichment-engine/internal/resilience"
)

type identityIndex struct {
	workspaceID string
	kind        model.EntityKind
	key         string
}

type roleKey struct {
	workspaceID string
	personID    string
	companyID   string
}

// memData is the full state of a MemoryStore. Transactions work on a clone
// and swap it in on commit.
type memData struct {
	entities    map[string]model.Entity
	identities  map[identityIndex]map[string]bool
	entityKeys  map[string][]identityIndex
	edges       map[string]model.Edge
	audits      []model.MergeAudit
	archives    map[model.ArchiveRef]model.Archive
	roles       map[roleKey]model.RoleAssignment
	checkpoints map[string]model.BatchCheckpoint
	dlq         map[string]resilience.DLQEntry
}

func newMemData() *memData {
	return &memData{
		entities:    make(map[string]model.Entity),
		identities:  make(map[identityIndex]map[string]bool),
		entityKeys:  make(map[string][]identityIndex),
		edges:       make(map[string]model.Edge),
		archives:    make(map[model.ArchiveRef]model.Archive),
		roles:       make(map[roleKey]model.RoleAssignment),
		checkpoints: make(map[string]model.BatchCheckpoint),
		dlq:         make(map[string]resilience.DLQEntry),
	}
}

func (d *memData) clone() *memData {
	c := newMemData()
	for k, v := range d.entities {
		c.entities[k] = v.Clone()
	}
	for k, ids := range d.identities {
		m := make(map[string]bool, len(ids))
		for id := range ids {
			m[id] = true
		}
		c.identities[k] = m
	}
	for k, v := range d.entityKeys {
		c.entityKeys[k] = slices.Clone(v)
	}
	for k, v := range d.edges {
		c.edges[k] = v
	}
	c.audits = slices.Clone(d.audits)
	for k, v := range d.archives {
		c.archives[k] = v
	}
	for k, v := range d.roles {
		c.roles[k] = v
	}
	for k, v := range d.checkpoints {
		c.checkpoints[k] = v
	}
	for k, v := range d.dlq {
		c.dlq[k] = v
	}
	return c
}

// MemoryStore is an in-process Store. It is safe for concurrent use;
// transactions are serialized.
type MemoryStore struct {
	mu   sync.RWMutex
	data *memData
	now  func() time.Time
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{data: newMemData(), now: func() time.Time { return time.Now().UTC() }}
}

// memTx operates on one memData without locking. The owner holds the lock.
type memTx struct {
	d   *memData
	now func() time.Time
}

func (s *MemoryStore) read() *memTx {
	return &memTx{d: s.data, now: s.now}
}

// InTx runs fn against a private copy of the data and publishes it only if fn
// succeeds.
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{d: s.data.clone(), now: s.now}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "memory: commit")
	}
	s.data = tx.d
	return nil
}

func (s *MemoryStore) GetEntity(ctx context.Context, workspaceID, id string) (*model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetEntity(ctx, workspaceID, id)
}

func (s *MemoryStore) ListEntities(ctx context.Context, filter EntityFilter) ([]model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListEntities(ctx, filter)
}

func (s *MemoryStore) CreateEntity(ctx context.Context, e *model.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().CreateEntity(ctx, e)
}

func (s *MemoryStore) UpdateEntity(ctx context.Context, e model.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().UpdateEntity(ctx, e)
}

func (s *MemoryStore) SetIdentityKeys(ctx context.Context, workspaceID string, kind model.EntityKind, entityID string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().SetIdentityKeys(ctx, workspaceID, kind, entityID, keys)
}

func (s *MemoryStore) FindByIdentityKey(ctx context.Context, workspaceID string, kind model.EntityKind, key string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().FindByIdentityKey(ctx, workspaceID, kind, key)
}

func (s *MemoryStore) ListEdges(ctx context.Context, workspaceID string, entityIDs []string) ([]model.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListEdges(ctx, workspaceID, entityIDs)
}

func (s *MemoryStore) CreateEdge(ctx context.Context, e *model.Edge) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().CreateEdge(ctx, e)
}

func (s *MemoryStore) DeleteEdge(ctx context.Context, workspaceID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().DeleteEdge(ctx, workspaceID, id)
}

func (s *MemoryStore) AppendMergeAudit(ctx context.Context, a model.MergeAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().AppendMergeAudit(ctx, a)
}

func (s *MemoryStore) ListMergeAudits(_ context.Context, workspaceID string, limit int) ([]model.MergeAudit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.MergeAudit
	for i := len(s.data.audits) - 1; i >= 0; i-- {
		a := s.data.audits[i]
		if a.WorkspaceID != workspaceID {
			continue
		}
		out = append(out, a)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateArchive(_ context.Context, a model.Archive) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.Ref == "" {
		return eris.Wrap(model.ErrInvalidInput, "memory: archive ref is required")
	}
	if _, ok := s.data.archives[a.Ref]; ok {
		return eris.Errorf("memory: archive %s already exists", a.Ref)
	}
	cp := a
	cp.Entities = make([]model.Entity, len(a.Entities))
	for i, e := range a.Entities {
		cp.Entities[i] = e.Clone()
	}
	cp.Edges = slices.Clone(a.Edges)
	s.data.archives[a.Ref] = cp
	return nil
}

func (s *MemoryStore) GetArchive(_ context.Context, workspaceID string, ref model.ArchiveRef) (*model.Archive, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.data.archives[ref]
	if !ok || a.WorkspaceID != workspaceID {
		return nil, notFound("archive", string(ref))
	}
	cp := a
	cp.Entities = make([]model.Entity, len(a.Entities))
	for i, e := range a.Entities {
		cp.Entities[i] = e.Clone()
	}
	cp.Edges = slices.Clone(a.Edges)
	return &cp, nil
}

func (s *MemoryStore) UpsertRoleAssignments(ctx context.Context, as []model.RoleAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().UpsertRoleAssignments(ctx, as)
}

func (s *MemoryStore) GetRoleAssignment(_ context.Context, workspaceID, personID, companyID string) (*model.RoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.data.roles[roleKey{workspaceID, personID, companyID}]
	if !ok {
		return nil, notFound("role assignment", personID+"@"+companyID)
	}
	return &a, nil
}

func (s *MemoryStore) ListRoleAssignments(_ context.Context, filter RoleFilter) ([]model.RoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.RoleAssignment
	for k, a := range s.data.roles {
		if k.workspaceID != filter.WorkspaceID {
			continue
		}
		if filter.CompanyID != "" && k.companyID != filter.CompanyID {
			continue
		}
		if filter.PersonID != "" && k.personID != filter.PersonID {
			continue
		}
		if filter.State != "" && a.State != filter.State {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CompanyID != out[j].CompanyID {
			return out[i].CompanyID < out[j].CompanyID
		}
		return out[i].PersonID < out[j].PersonID
	})
	return out, nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, cp model.BatchCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = s.now()
	}
	s.data.checkpoints[cp.BatchID] = cp
	return nil
}

func (s *MemoryStore) GetCheckpoint(_ context.Context, batchID string) (*model.BatchCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.data.checkpoints[batchID]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (s *MemoryStore) EnqueueDLQ(_ context.Context, entry resilience.DLQEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	s.data.dlq[entry.ID] = entry
	return nil
}

func (s *MemoryStore) DequeueDLQ(_ context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	var out []resilience.DLQEntry
	for _, e := range s.data.dlq {
		if e.NextRetryAt.After(now) || !e.CanRetry() {
			continue
		}
		if filter.WorkspaceID != "" && e.Entity.WorkspaceID != filter.WorkspaceID {
			continue
		}
		if filter.ErrorType != "" && e.ErrorType != filter.ErrorType {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(out[j].NextRetryAt) })
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) IncrementDLQRetry(_ context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data.dlq[id]
	if !ok {
		return notFound("dlq_entry", id)
	}
	e.RetryCount++
	e.NextRetryAt = nextRetryAt
	e.Error = lastErr
	e.LastFailedAt = s.now()
	s.data.dlq[id] = e
	return nil
}

func (s *MemoryStore) RemoveDLQ(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data.dlq, id)
	return nil
}

func (s *MemoryStore) CountDLQ(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data.dlq), nil
}

func (s *MemoryStore) Ping(context.Context) error    { return nil }
func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Close() error                  { return nil }

// Tx implementation.

func (t *memTx) GetEntity(_ context.Context, workspaceID, id string) (*model.Entity, error) {
	e, ok := t.d.entities[id]
	if !ok || e.WorkspaceID != workspaceID {
		return nil, notFound("entity", id)
	}
	c := e.Clone()
	return &c, nil
}

func (t *memTx) ListEntities(_ context.Context, filter EntityFilter) ([]model.Entity, error) {
	var out []model.Entity
	for _, e := range t.d.entities {
		if e.WorkspaceID != filter.WorkspaceID {
			continue
		}
		if filter.Kind != "" && e.Kind != filter.Kind {
			continue
		}
		if len(filter.IDs) > 0 && !slices.Contains(filter.IDs, e.ID) {
			continue
		}
		if filter.CompanyID != "" && e.Text(model.FieldCompanyID) != filter.CompanyID {
			continue
		}
		if e.Deleted() && !filter.IncludeDeleted {
			continue
		}
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (t *memTx) CreateEntity(_ context.Context, e *model.Entity) error {
	if err := validateEntity(*e); err != nil {
		return err
	}
	prepareEntity(e, t.now())
	if _, ok := t.d.entities[e.ID]; ok {
		return eris.Errorf("memory: entity %s already exists", e.ID)
	}
	t.d.entities[e.ID] = e.Clone()
	return nil
}

func (t *memTx) UpdateEntity(_ context.Context, e model.Entity) error {
	cur, ok := t.d.entities[e.ID]
	if !ok || cur.WorkspaceID != e.WorkspaceID {
		return notFound("entity", e.ID)
	}
	e.CreatedAt = cur.CreatedAt
	t.d.entities[e.ID] = e.Clone()
	return nil
}

func (t *memTx) SetIdentityKeys(_ context.Context, workspaceID string, kind model.EntityKind, entityID string, keys []string) error {
	for _, idx := range t.d.entityKeys[entityID] {
		delete(t.d.identities[idx], entityID)
		if len(t.d.identities[idx]) == 0 {
			delete(t.d.identities, idx)
		}
	}
	keys = dedupeKeys(keys)
	idxs := make([]identityIndex, 0, len(keys))
	for _, k := range keys {
		idx := identityIndex{workspaceID, kind, k}
		if t.d.identities[idx] == nil {
			t.d.identities[idx] = make(map[string]bool)
		}
		t.d.identities[idx][entityID] = true
		idxs = append(idxs, idx)
	}
	t.d.entityKeys[entityID] = idxs
	return nil
}

func (t *memTx) FindByIdentityKey(_ context.Context, workspaceID string, kind model.EntityKind, key string) ([]string, error) {
	var out []string
	for id := range t.d.identities[identityIndex{workspaceID, kind, key}] {
		if e, ok := t.d.entities[id]; ok && !e.Deleted() {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (t *memTx) ListEdges(_ context.Context, workspaceID string, entityIDs []string) ([]model.Edge, error) {
	var out []model.Edge
	for _, e := range t.d.edges {
		if e.WorkspaceID != workspaceID {
			continue
		}
		if slices.Contains(entityIDs, e.FromID) || slices.Contains(entityIDs, e.ToID) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) CreateEdge(_ context.Context, e *model.Edge) (bool, error) {
	if err := validateEdge(*e); err != nil {
		return false, err
	}
	for _, cur := range t.d.edges {
		if cur.WorkspaceID == e.WorkspaceID && cur.Type == e.Type && cur.FromID == e.FromID && cur.ToID == e.ToID {
			return false, nil
		}
	}
	prepareEdge(e, t.now())
	t.d.edges[e.ID] = *e
	return true, nil
}

func (t *memTx) DeleteEdge(_ context.Context, workspaceID, id string) error {
	e, ok := t.d.edges[id]
	if !ok || e.WorkspaceID != workspaceID {
		return notFound("edge", id)
	}
	delete(t.d.edges, id)
	return nil
}

func (t *memTx) UpsertRoleAssignments(_ context.Context, as []model.RoleAssignment) error {
	for _, a := range as {
		a.Rationale = slices.Clone(a.Rationale)
		t.d.roles[roleKey{a.WorkspaceID, a.PersonID, a.CompanyID}] = a
	}
	return nil
}

func (t *memTx) AppendMergeAudit(_ context.Context, a model.MergeAudit) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	t.d.audits = append(t.d.audits, a)
	return nil
}

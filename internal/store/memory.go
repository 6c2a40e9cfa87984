package store

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Atypis/runops-v2-sub000/pkg/schema"
)

// MemoryStore is an in-memory Store implementation for tests and embedded
// use. It applies the same SQL-LIKE pattern semantics as LibSQLStore.
type MemoryStore struct {
	mu      sync.RWMutex
	nodes   map[string]*schema.Node // node ID -> node
	vars    map[string]map[string]any
	events  []*RunEvent
	jobs    map[string]*ScheduledJob
	nextSeq int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: make(map[string]*schema.Node),
		vars:  make(map[string]map[string]any),
		jobs:  make(map[string]*ScheduledJob),
	}
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                      { return nil }

// --- Nodes ---

func (s *MemoryStore) CreateNode(ctx context.Context, node *schema.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.nodes[node.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "node %q already exists", node.ID)
	}
	for _, n := range s.nodes {
		if n.WorkflowID == node.WorkflowID && n.Position == node.Position {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"position %d already taken in workflow %s", node.Position, node.WorkflowID)
		}
	}
	clone := *node
	if clone.Status == "" {
		clone.Status = schema.NodeStatusPending
	}
	s.nodes[node.ID] = &clone
	return nil
}

func (s *MemoryStore) GetNode(ctx context.Context, workflowID, id string) (*schema.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok || n.WorkflowID != workflowID {
		return nil, schema.NewErrorf(schema.ErrCodeNodeNotFound, "node %q not found", id)
	}
	clone := *n
	return &clone, nil
}

func (s *MemoryStore) GetNodeByPosition(ctx context.Context, workflowID string, position int) (*schema.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.nodes {
		if n.WorkflowID == workflowID && n.Position == position {
			clone := *n
			return &clone, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNodeNotFound, "no node at position %d", position)
}

func (s *MemoryStore) ListByPositionRange(ctx context.Context, workflowID string, lo, hi int) ([]*schema.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schema.Node
	for _, n := range s.nodes {
		if n.WorkflowID == workflowID && n.Position >= lo && n.Position <= hi {
			clone := *n
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *MemoryStore) ListNodes(ctx context.Context, workflowID string) ([]*schema.Node, error) {
	return s.ListByPositionRange(ctx, workflowID, 0, int(^uint(0)>>1))
}

func (s *MemoryStore) UpdateStatusAndResult(ctx context.Context, id string, status schema.NodeStatus, result any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNodeNotFound, "node %q not found", id)
	}
	n.Status = status
	n.Result = result
	n.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Variables ---

func (s *MemoryStore) Get(ctx context.Context, workflowID, key string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.vars[workflowID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeVariableNotFound, "variable %q not found", key)
	}
	val, ok := wf[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeVariableNotFound, "variable %q not found", key)
	}
	return val, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, workflowID, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.vars[workflowID]
	if !ok {
		wf = make(map[string]any)
		s.vars[workflowID] = wf
	}
	wf[key] = value
	return nil
}

func (s *MemoryStore) DeleteMatching(ctx context.Context, workflowID, keyPattern string) error {
	re, err := likeToRegexp(keyPattern)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.vars[workflowID] {
		if re.MatchString(key) {
			delete(s.vars[workflowID], key)
		}
	}
	return nil
}

func (s *MemoryStore) ListKeys(ctx context.Context, workflowID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.vars[workflowID]))
	for k := range s.vars[workflowID] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// --- Run events ---

func (s *MemoryStore) AppendEvent(ctx context.Context, event *RunEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	clone := *event
	clone.ID = s.nextSeq
	if clone.Timestamp.IsZero() {
		clone.Timestamp = time.Now().UTC()
	}
	s.events = append(s.events, &clone)
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, workflowID string, since int64) ([]*RunEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*RunEvent
	for _, e := range s.events {
		if e.WorkflowID == workflowID && e.ID > since {
			clone := *e
			out = append(out, &clone)
		}
	}
	return out, nil
}

// --- Scheduled jobs ---

func (s *MemoryStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "scheduled job %q already exists", job.ID)
	}
	clone := *job
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	s.jobs[job.ID] = &clone
	return nil
}

func (s *MemoryStore) ListScheduledJobs(ctx context.Context, enabledOnly bool) ([]*ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ScheduledJob
	for _, j := range s.jobs {
		if enabledOnly && !j.Enabled {
			continue
		}
		clone := *j
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) TouchScheduledJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNodeNotFound, "scheduled job %q not found", id)
	}
	now := time.Now().UTC()
	j.LastRunAt = &now
	return nil
}

// likeToRegexp compiles a SQL-LIKE pattern ('%' and '_' wildcards) into an
// anchored regexp.
func likeToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteByte('^')
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteByte('.')
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteByte('$')
	return regexp.Compile(b.String())
}

var _ Store = (*MemoryStore)(nil)

package collaborators

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/banterop/conductor/internal/platform/apperror"
)

// MemoryAttachmentStore is an in-memory AttachmentStore, suitable for tests
// and single-process deployments without a blob backend.
type MemoryAttachmentStore struct {
	mu    sync.RWMutex
	byID  map[string]storedAttachment
	byDoc map[string]string // conversationID:docID -> id
}

type storedAttachment struct {
	meta AttachmentMeta
	data []byte
}

// NewMemoryAttachmentStore constructs an empty store.
func NewMemoryAttachmentStore() *MemoryAttachmentStore {
	return &MemoryAttachmentStore{
		byID:  make(map[string]storedAttachment),
		byDoc: make(map[string]string),
	}
}

func (s *MemoryAttachmentStore) Put(ctx context.Context, conversationID int64, meta AttachmentMeta, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}
	meta.ConversationID = conversationID
	meta.Size = len(data)

	s.byID[meta.ID] = storedAttachment{meta: meta, data: data}
	if meta.DocID != "" {
		s.byDoc[docKey(conversationID, meta.DocID)] = meta.ID
	}
	return meta.ID, nil
}

func (s *MemoryAttachmentStore) GetByID(ctx context.Context, id string) (AttachmentMeta, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.byID[id]
	if !ok {
		return AttachmentMeta{}, nil, apperror.NotFound(fmt.Sprintf("attachment %q not found", id))
	}
	return stored.meta, stored.data, nil
}

func (s *MemoryAttachmentStore) GetByDocID(ctx context.Context, conversationID int64, docID string) (AttachmentMeta, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byDoc[docKey(conversationID, docID)]
	if !ok {
		return AttachmentMeta{}, nil, apperror.NotFound(fmt.Sprintf("attachment with docId %q not found", docID))
	}
	stored := s.byID[id]
	return stored.meta, stored.data, nil
}

func docKey(conversationID int64, docID string) string {
	return fmt.Sprintf("%d:%s", conversationID, docID)
}

// MemoryScenarioStore is an in-memory ScenarioStore.
type MemoryScenarioStore struct {
	mu        sync.RWMutex
	scenarios map[string]Scenario
}

// NewMemoryScenarioStore constructs an empty store.
func NewMemoryScenarioStore() *MemoryScenarioStore {
	return &MemoryScenarioStore{scenarios: make(map[string]Scenario)}
}

func (s *MemoryScenarioStore) List(ctx context.Context) ([]Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Scenario, 0, len(s.scenarios))
	for _, sc := range s.scenarios {
		out = append(out, sc)
	}
	return out, nil
}

func (s *MemoryScenarioStore) Get(ctx context.Context, id string) (Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scenarios[id]
	if !ok {
		return Scenario{}, apperror.NotFound(fmt.Sprintf("scenario %q not found", id))
	}
	return sc, nil
}

func (s *MemoryScenarioStore) Insert(ctx context.Context, sc Scenario) (Scenario, error) {
	if len(sc.Config) == 0 {
		return Scenario{}, apperror.InvalidParams("scenario config must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if _, exists := s.scenarios[sc.ID]; exists {
		return Scenario{}, apperror.InvalidRequest(fmt.Sprintf("scenario %q already exists", sc.ID))
	}
	s.scenarios[sc.ID] = sc
	return sc, nil
}

func (s *MemoryScenarioStore) Update(ctx context.Context, sc Scenario) (Scenario, error) {
	if len(sc.Config) == 0 {
		return Scenario{}, apperror.InvalidParams("scenario config must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.scenarios[sc.ID]; !exists {
		return Scenario{}, apperror.NotFound(fmt.Sprintf("scenario %q not found", sc.ID))
	}
	s.scenarios[sc.ID] = sc
	return sc, nil
}

func (s *MemoryScenarioStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.scenarios[id]; !exists {
		return apperror.NotFound(fmt.Sprintf("scenario %q not found", id))
	}
	delete(s.scenarios, id)
	return nil
}

var (
	_ AttachmentStore = (*MemoryAttachmentStore)(nil)
	_ ScenarioStore   = (*MemoryScenarioStore)(nil)
)

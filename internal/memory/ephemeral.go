package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"calcbot/internal/domain"
)

// EphemeralStore keeps the transcript in process memory. Used when
// transcript persistence is disabled in config: the dialogue bridge still
// gets per-session history, it just does not survive a restart.
type EphemeralStore struct {
	mu       sync.Mutex
	convs    map[string]domain.Conversation
	messages map[string][]domain.MessageRecord
	nextID   int64
}

func NewEphemeralStore() *EphemeralStore {
	return &EphemeralStore{
		convs:    make(map[string]domain.Conversation),
		messages: make(map[string][]domain.MessageRecord),
	}
}

func (s *EphemeralStore) CreateConversation(ctx context.Context, conv domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[conv.ID]; ok {
		return nil
	}
	now := time.Now()
	conv.CreatedAt = now
	conv.UpdatedAt = now
	s.convs[conv.ID] = conv
	return nil
}

func (s *EphemeralStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.convs[id]; ok {
		c := conv
		return &c, nil
	}
	return nil, nil
}

func (s *EphemeralStore) UpdateConversation(ctx context.Context, conv domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv.UpdatedAt = time.Now()
	s.convs[conv.ID] = conv
	return nil
}

func (s *EphemeralStore) ListConversations(ctx context.Context, limit int) ([]domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *EphemeralStore) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, id)
	delete(s.messages, id)
	return nil
}

func (s *EphemeralStore) AddMessage(ctx context.Context, convID string, msg domain.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	msg.ID = s.nextID
	msg.ConversationID = convID
	msg.CreatedAt = time.Now()
	s.messages[convID] = append(s.messages[convID], msg)
	if conv, ok := s.convs[convID]; ok {
		conv.UpdatedAt = msg.CreatedAt
		s.convs[convID] = conv
	}
	return nil
}

func (s *EphemeralStore) GetMessages(ctx context.Context, convID string, limit int) ([]domain.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[convID]
	if limit <= 0 {
		limit = 50
	}
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]domain.MessageRecord, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *EphemeralStore) Close() error { return nil }

var _ domain.TranscriptStore = (*EphemeralStore)(nil)

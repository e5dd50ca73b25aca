package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	appErrors "github.com/unclebandit/campaign-delivery/internal/errors"
	"github.com/unclebandit/campaign-delivery/internal/model"
)

// MemoryStore keeps messages in process. It enforces the same uniqueness as
// the messages table: one message per (campaign, recipient) and one per
// (channel, provider message id).
type MemoryStore struct {
	Now func() time.Time

	mu         sync.Mutex
	messages   map[string]*model.Message
	byKey      map[recipientKey]string
	byProvider map[providerKey]string
	parked     map[providerKey][]model.ParkedEvent
	parkSeq    int64
}

type recipientKey struct {
	campaignID int64
	recipient  string
}

type providerKey struct {
	channel model.Channel
	id      string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:   make(map[string]*model.Message),
		byKey:      make(map[recipientKey]string),
		byProvider: make(map[providerKey]string),
		parked:     make(map[providerKey][]model.ParkedEvent),
	}
}

func (s *MemoryStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *MemoryStore) Create(_ context.Context, m *model.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := recipientKey{m.CampaignID, m.Recipient}
	if id, ok := s.byKey[k]; ok {
		*m = *copyMessage(s.messages[id])
		return false, nil
	}
	if m.Status == "" {
		m.Status = model.MessageUnsent
	}
	now := s.now()
	m.CreatedAt, m.UpdatedAt = now, now
	s.messages[m.ID] = copyMessage(m)
	s.byKey[k] = m.ID
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, appErrors.ErrMessageNotFound)
	}
	return copyMessage(m), nil
}

func (s *MemoryStore) GetByProvider(_ context.Context, channel model.Channel, providerMessageID string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byProvider[providerKey{channel, providerMessageID}]
	if !ok {
		return nil, fmt.Errorf("provider message %s: %w", providerMessageID, appErrors.ErrMessageNotFound)
	}
	return copyMessage(s.messages[id]), nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, next *model.Message, from model.MessageStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.messages[next.ID]
	if !ok || cur.Status != from {
		return false, nil
	}
	if next.ProviderMessageID != nil && cur.ProviderMessageID == nil {
		pk := providerKey{cur.Channel, *next.ProviderMessageID}
		if owner, taken := s.byProvider[pk]; taken && owner != cur.ID {
			return false, fmt.Errorf("provider message id %s already belongs to %s", pk.id, owner)
		}
		s.byProvider[pk] = cur.ID
	}

	stored := copyMessage(next)
	if stored.ProviderMessageID == nil {
		stored.ProviderMessageID = cur.ProviderMessageID
	}
	if stored.ContentHash == nil {
		stored.ContentHash = cur.ContentHash
	}
	stored.UpdatedAt = s.now()
	next.UpdatedAt = stored.UpdatedAt
	s.messages[next.ID] = stored
	return true, nil
}

func (s *MemoryStore) ResetErrored(_ context.Context, campaignID int64) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Message
	for _, m := range s.messages {
		if m.CampaignID != campaignID || m.Status != model.MessageError || m.ProviderMessageID != nil {
			continue
		}
		m.Status = model.MessageUnsent
		m.ErrorCode, m.ErrorDescription, m.FailedAt = nil, nil, nil
		m.UpdatedAt = s.now()
		out = append(out, copyMessage(m))
	}
	return out, nil
}

func (s *MemoryStore) Stats(_ context.Context, campaignID int64) (map[model.MessageStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := make(map[model.MessageStatus]int, len(model.MessageStatuses))
	for _, st := range model.MessageStatuses {
		stats[st] = 0
	}
	for _, m := range s.messages {
		if m.CampaignID == campaignID {
			stats[m.Status]++
		}
	}
	return stats, nil
}

func (s *MemoryStore) Park(_ context.Context, ev *model.ParkedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parkSeq++
	ev.ID = s.parkSeq
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = s.now()
	}
	k := providerKey{ev.Channel, ev.ProviderMessageID}
	s.parked[k] = append(s.parked[k], *ev)
	return nil
}

func (s *MemoryStore) TakeParked(_ context.Context, channel model.Channel, providerMessageID string) ([]model.ParkedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := providerKey{channel, providerMessageID}
	out := s.parked[k]
	delete(s.parked, k)
	return out, nil
}

func (s *MemoryStore) PurgeParked(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, evs := range s.parked {
		kept := evs[:0]
		for _, ev := range evs {
			if ev.ReceivedAt.Before(before) {
				n++
				continue
			}
			kept = append(kept, ev)
		}
		if len(kept) == 0 {
			delete(s.parked, k)
		} else {
			s.parked[k] = kept
		}
	}
	return n, nil
}

// ParkedCount reports how many callbacks are waiting for a provider id.
func (s *MemoryStore) ParkedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, evs := range s.parked {
		n += len(evs)
	}
	return n
}

// ByCampaign returns copies of the campaign's messages.
func (s *MemoryStore) ByCampaign(campaignID int64) []*model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Message
	for _, m := range s.messages {
		if m.CampaignID == campaignID {
			out = append(out, copyMessage(m))
		}
	}
	return out
}

func copyMessage(m *model.Message) *model.Message {
	c := *m
	c.ContentHash = copyStr(m.ContentHash)
	c.ProviderMessageID = copyStr(m.ProviderMessageID)
	c.ErrorCode = copyStr(m.ErrorCode)
	c.ErrorDescription = copyStr(m.ErrorDescription)
	return &c
}

func copyStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

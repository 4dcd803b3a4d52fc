// Package memory provides in-process repositories for tests and local runs
// without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/repository"
)

// Store holds every table behind one mutex so multi-table checks are atomic.
type Store struct {
	mu         sync.Mutex
	campaigns  map[uuid.UUID]domain.Campaign
	contacts   map[uuid.UUID]domain.Contact
	order      []uuid.UUID
	calls      map[uuid.UUID]domain.Call
	byContact  map[uuid.UUID]uuid.UUID
	events     map[uuid.UUID][]domain.CallEvent
	assistants map[uuid.UUID]domain.Assistant
	lines      map[uuid.UUID]domain.PhoneLine
	archive    map[uuid.UUID][]repository.ArchivedEvent
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		campaigns:  make(map[uuid.UUID]domain.Campaign),
		contacts:   make(map[uuid.UUID]domain.Contact),
		calls:      make(map[uuid.UUID]domain.Call),
		byContact:  make(map[uuid.UUID]uuid.UUID),
		events:     make(map[uuid.UUID][]domain.CallEvent),
		assistants: make(map[uuid.UUID]domain.Assistant),
		lines:      make(map[uuid.UUID]domain.PhoneLine),
		archive:    make(map[uuid.UUID][]repository.ArchivedEvent),
	}
}

// Campaigns returns the campaign repository view.
func (s *Store) Campaigns() *CampaignRepo { return &CampaignRepo{s: s} }

// Contacts returns the contact repository view.
func (s *Store) Contacts() *ContactRepo { return &ContactRepo{s: s} }

// Calls returns the call repository view.
func (s *Store) Calls() *CallRepo { return &CallRepo{s: s} }

// Directory returns the assistant and phone line view.
func (s *Store) Directory() *DirectoryRepo { return &DirectoryRepo{s: s} }

// Archive returns the event archive view.
func (s *Store) Archive() *ArchiveRepo { return &ArchiveRepo{s: s} }

// AddAssistant seeds an assistant.
func (s *Store) AddAssistant(a domain.Assistant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assistants[a.ID] = a
}

// AddPhoneLine seeds a phone line.
func (s *Store) AddPhoneLine(l domain.PhoneLine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines[l.ID] = l
}

// CallsForCampaign returns a snapshot of every call of a campaign.
func (s *Store) CallsForCampaign(campaignID uuid.UUID) []domain.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Call
	for _, c := range s.calls {
		if c.CampaignID == campaignID {
			out = append(out, copyCall(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SetLastStatusAt backdates a call, used to simulate missing webhooks.
func (s *Store) SetLastStatusAt(callID uuid.UUID, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.calls[callID]; ok {
		c.LastStatusAt = at
		s.calls[callID] = c
	}
}

func (s *Store) hasCall(contactID uuid.UUID) bool {
	_, ok := s.byContact[contactID]
	return ok
}

// CampaignRepo implements repository.CampaignRepository.
type CampaignRepo struct{ s *Store }

func (r *CampaignRepo) Create(ctx context.Context, campaign *domain.Campaign) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.campaigns[campaign.ID]; ok {
		return repository.ErrConflict
	}
	r.s.campaigns[campaign.ID] = *campaign
	return nil
}

func (r *CampaignRepo) CreateWithContacts(ctx context.Context, campaign *domain.Campaign, contacts []domain.Contact) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.campaigns[campaign.ID]; ok {
		return repository.ErrConflict
	}
	seen := make(map[uuid.UUID]struct{}, len(contacts))
	for _, c := range contacts {
		if _, ok := r.s.contacts[c.ID]; ok {
			return repository.ErrConflict
		}
		if _, ok := seen[c.ID]; ok {
			return repository.ErrConflict
		}
		seen[c.ID] = struct{}{}
	}

	campaign.TotalContacts = len(contacts)
	r.s.campaigns[campaign.ID] = *campaign
	for _, c := range contacts {
		c.CampaignID = campaign.ID
		r.s.contacts[c.ID] = c
		r.s.order = append(r.s.order, c.ID)
	}
	return nil
}

func (r *CampaignRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

func (r *CampaignRepo) ListRunnable(ctx context.Context, limit int) ([]*domain.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Campaign
	for _, c := range r.s.campaigns {
		if c.StartedAt != nil && c.CompletedAt == nil {
			c := c
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(*out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *CampaignRepo) MarkStarted(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok || c.StartedAt != nil {
		return false, nil
	}
	c.StartedAt = &at
	r.s.campaigns[id] = c
	return true, nil
}

func (r *CampaignRepo) MarkCompletedIfDrained(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok || c.CompletedAt != nil || c.StartedAt == nil {
		return false, nil
	}

	calls := 0
	for _, call := range r.s.calls {
		if call.CampaignID != id {
			continue
		}
		calls++
		if call.Status.IsActive() {
			return false, nil
		}
	}
	if calls == 0 {
		return false, nil
	}
	for _, ct := range r.s.contacts {
		if ct.CampaignID == id && !r.s.hasCall(ct.ID) {
			return false, nil
		}
	}

	c.CompletedAt = &at
	r.s.campaigns[id] = c
	return true, nil
}

func (r *CampaignRepo) Stats(ctx context.Context, id uuid.UUID) (*domain.CampaignStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stats := &domain.CampaignStats{CallsByStatus: make(map[domain.CallStatus]int64)}
	for _, ct := range r.s.contacts {
		if ct.CampaignID != id {
			continue
		}
		stats.TotalContacts++
		if !r.s.hasCall(ct.ID) {
			stats.UncalledCount++
		}
	}
	for _, call := range r.s.calls {
		if call.CampaignID != id {
			continue
		}
		stats.CallsByStatus[call.Status]++
		if call.Status.IsActive() {
			stats.ActiveCalls++
		}
		if call.Status.IsOccupying() {
			stats.OccupyingCalls++
		}
	}
	return stats, nil
}

// ContactRepo implements repository.ContactRepository.
type ContactRepo struct{ s *Store }

func (r *ContactRepo) BulkInsert(ctx context.Context, campaignID uuid.UUID, contacts []domain.Contact) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range contacts {
		if _, ok := r.s.contacts[c.ID]; ok {
			continue
		}
		c.CampaignID = campaignID
		r.s.contacts[c.ID] = c
		r.s.order = append(r.s.order, c.ID)
	}
	if camp, ok := r.s.campaigns[campaignID]; ok {
		total := 0
		for _, c := range r.s.contacts {
			if c.CampaignID == campaignID {
				total++
			}
		}
		camp.TotalContacts = total
		r.s.campaigns[campaignID] = camp
	}
	return nil
}

func (r *ContactRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Contact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.contacts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

func (r *ContactRepo) NextUncalled(ctx context.Context, campaignID uuid.UUID, limit int, lowestBatchOnly bool) ([]domain.Contact, error) {
	if limit <= 0 {
		return nil, nil
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var pending []domain.Contact
	for _, id := range r.s.order {
		c := r.s.contacts[id]
		if c.CampaignID == campaignID && !r.s.hasCall(c.ID) {
			pending = append(pending, c)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return batchKey(pending[i]) < batchKey(pending[j])
	})
	if lowestBatchOnly && len(pending) > 0 {
		lowest := batchKey(pending[0])
		n := 0
		for n < len(pending) && batchKey(pending[n]) == lowest {
			n++
		}
		pending = pending[:n]
	}
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func batchKey(c domain.Contact) int {
	if c.BatchIndex == nil {
		return int(^uint(0) >> 1)
	}
	return *c.BatchIndex
}

// CallRepo implements repository.CallRepository.
type CallRepo struct{ s *Store }

func (r *CallRepo) Create(ctx context.Context, call *domain.Call, event domain.CallEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.hasCall(call.ContactID) {
		return repository.ErrConflict
	}
	r.s.calls[call.ID] = copyCall(*call)
	r.s.byContact[call.ContactID] = call.ID
	r.s.appendEvent(call.ID, event)
	return nil
}

func (r *CallRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Call, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.calls[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c = copyCall(c)
	return &c, nil
}

func (r *CallRepo) GetByProviderCallID(ctx context.Context, providerCallID string) (*domain.Call, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.calls {
		if c.ProviderCallID != nil && *c.ProviderCallID == providerCallID {
			c = copyCall(c)
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *CallRepo) CountOccupying(ctx context.Context, campaignID uuid.UUID) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, c := range r.s.calls {
		if c.CampaignID == campaignID && c.Status.IsOccupying() {
			n++
		}
	}
	return n, nil
}

func (r *CallRepo) CountOccupyingAll(ctx context.Context) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, c := range r.s.calls {
		if c.Status.IsOccupying() {
			n++
		}
	}
	return n, nil
}

func (r *CallRepo) ListActive(ctx context.Context, filter repository.ActiveCallFilter) ([]domain.Call, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.Call
	for _, c := range r.s.calls {
		if !c.Status.IsActive() {
			continue
		}
		if filter.StaleBefore != nil && !c.LastStatusAt.Before(*filter.StaleBefore) {
			continue
		}
		if filter.WithProviderID && c.ProviderCallID == nil {
			continue
		}
		out = append(out, copyCall(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastStatusAt.Before(out[j].LastStatusAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *CallRepo) Transition(ctx context.Context, callID uuid.UUID, fn repository.TransitionFunc) (*domain.Call, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	current, ok := r.s.calls[callID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	working := copyCall(current)
	event, err := fn(&working)
	if err != nil {
		return nil, err
	}
	r.s.calls[callID] = copyCall(working)
	r.s.appendEvent(callID, event)
	return &working, nil
}

func (r *CallRepo) ListEvents(ctx context.Context, callID uuid.UUID) ([]domain.CallEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]domain.CallEvent, len(r.s.events[callID]))
	copy(out, r.s.events[callID])
	return out, nil
}

func (s *Store) appendEvent(callID uuid.UUID, event domain.CallEvent) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	event.CallID = callID
	s.events[callID] = append(s.events[callID], event)
}

// DirectoryRepo implements repository.DirectoryRepository.
type DirectoryRepo struct{ s *Store }

func (r *DirectoryRepo) GetAssistant(ctx context.Context, id uuid.UUID) (*domain.Assistant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.assistants[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &a, nil
}

func (r *DirectoryRepo) GetPhoneLine(ctx context.Context, id uuid.UUID) (*domain.PhoneLine, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.lines[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &l, nil
}

// ArchiveRepo implements repository.EventArchive.
type ArchiveRepo struct{ s *Store }

func (r *ArchiveRepo) Append(ctx context.Context, record repository.ArchivedEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.archive[record.CallID] {
		if existing.EventID == record.EventID {
			return nil
		}
	}
	r.s.archive[record.CallID] = append(r.s.archive[record.CallID], record)
	return nil
}

func (r *ArchiveRepo) ListByCall(ctx context.Context, callID uuid.UUID, limit int) ([]repository.ArchivedEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	events := r.s.archive[callID]
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	out := make([]repository.ArchivedEvent, len(events))
	copy(out, events)
	return out, nil
}

func copyCall(c domain.Call) domain.Call {
	out := c
	if c.ProviderCallID != nil {
		v := *c.ProviderCallID
		out.ProviderCallID = &v
	}
	if c.StartedAt != nil {
		v := *c.StartedAt
		out.StartedAt = &v
	}
	if c.EndedAt != nil {
		v := *c.EndedAt
		out.EndedAt = &v
	}
	if c.EndedReason != nil {
		v := *c.EndedReason
		out.EndedReason = &v
	}
	if c.Cost != nil {
		v := *c.Cost
		out.Cost = &v
	}
	if c.RecordingURL != nil {
		v := *c.RecordingURL
		out.RecordingURL = &v
	}
	if c.SuccessEvaluation != nil {
		v := *c.SuccessEvaluation
		out.SuccessEvaluation = &v
	}
	if c.Transcript != nil {
		out.Transcript = append([]byte(nil), c.Transcript...)
	}
	return out
}

var (
	_ repository.CampaignRepository  = (*CampaignRepo)(nil)
	_ repository.ContactRepository   = (*ContactRepo)(nil)
	_ repository.CallRepository      = (*CallRepo)(nil)
	_ repository.DirectoryRepository = (*DirectoryRepo)(nil)
	_ repository.EventArchive        = (*ArchiveRepo)(nil)
)

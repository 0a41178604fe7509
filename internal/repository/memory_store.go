package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/reactivation-backend/internal/errors"
	"github.com/unclebandit/reactivation-backend/internal/model"
)

// MemoryStore implements every repository interface behind one mutex. It is
// used by tests and by STORE_DRIVER=memory for local runs.
type MemoryStore struct {
	mu sync.Mutex

	leads       map[string]*model.Lead
	campaigns   map[string]*model.Campaign
	messages    map[string]*model.ScheduledMessage
	jobs        map[string]*model.Job
	attempts    map[string][]model.Attempt
	deadLetters []model.DeadLetter
	ledger      map[string]*model.LedgerEntry
	billing     map[string]*model.BillingEvent
	attemptSeq  int64

	Now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		leads:     map[string]*model.Lead{},
		campaigns: map[string]*model.Campaign{},
		messages:  map[string]*model.ScheduledMessage{},
		jobs:      map[string]*model.Job{},
		attempts:  map[string][]model.Attempt{},
		ledger:    map[string]*model.LedgerEntry{},
		billing:   map[string]*model.BillingEvent{},
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (s *MemoryStore) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// ====================== Seeding ======================

func (s *MemoryStore) PutLead(l model.Lead) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.Status == "" {
		l.Status = model.LeadNew
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = s.now()
	}
	s.leads[l.ID] = &l
}

func (s *MemoryStore) PutCampaign(c model.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	s.campaigns[c.ID] = &c
}

// ====================== Leads & campaigns ======================

func (s *MemoryStore) GetByID(_ context.Context, id string) (*model.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[id]
	if !ok {
		return nil, appErrors.NewNotFound("lead", id)
	}
	c := *l
	return &c, nil
}

func (s *MemoryStore) MarkConverted(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[id]
	if !ok {
		return false, appErrors.NewNotFound("lead", id)
	}
	for _, from := range model.ConvertibleLeadStatuses {
		if l.Status == from {
			l.Status = model.LeadConverted
			now := s.now()
			l.UpdatedAt = &now
			return true, nil
		}
	}
	return false, nil
}

// Campaigns exposes the campaign half of the store, since Lead and Campaign
// lookups share the GetByID name.
func (s *MemoryStore) Campaigns() CampaignRepositoryInterface {
	return memoryCampaigns{s}
}

type memoryCampaigns struct{ s *MemoryStore }

func (m memoryCampaigns) GetByID(_ context.Context, id string) (*model.Campaign, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	c, ok := m.s.campaigns[id]
	if !ok {
		return nil, appErrors.NewNotFound("campaign", id)
	}
	cp := *c
	return &cp, nil
}

func (m memoryCampaigns) SetPaused(_ context.Context, id string, paused bool) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	c, ok := m.s.campaigns[id]
	if !ok {
		return appErrors.NewNotFound("campaign", id)
	}
	c.Paused = paused
	now := m.s.now()
	c.UpdatedAt = &now
	return nil
}

// ====================== Messages ======================

func (s *MemoryStore) ListByLead(_ context.Context, leadID string) ([]model.MessageWithAttempts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []model.MessageWithAttempts{}
	for _, m := range s.messages {
		if m.LeadID != leadID {
			continue
		}
		attempts := append([]model.Attempt{}, s.attempts[m.ID]...)
		out = append(out, model.MessageWithAttempts{ScheduledMessage: *m, Attempts: attempts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceIndex < out[j].SequenceIndex })
	return out, nil
}

// Message returns a copy of one scheduled message, or nil.
func (s *MemoryStore) Message(id string) *model.ScheduledMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil
	}
	cp := *m
	return &cp
}

// ====================== Job store ======================

func (s *MemoryStore) Enqueue(_ context.Context, msgs []*model.ScheduledMessage) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	live := map[string]bool{}
	next := map[string]int{}
	for _, m := range s.messages {
		if !m.Status.Terminal() {
			live[m.IdempotencyKey] = true
		}
		if m.SequenceIndex+1 > next[m.LeadID] {
			next[m.LeadID] = m.SequenceIndex + 1
		}
	}

	enqueued := 0
	for _, in := range msgs {
		if live[in.IdempotencyKey] {
			continue
		}
		in.ID = uuid.NewString()
		in.SequenceIndex = next[in.LeadID]
		in.Status = model.MessagePending
		in.AttemptCount = 0
		in.CreatedAt = now
		in.UpdatedAt = now
		next[in.LeadID]++
		live[in.IdempotencyKey] = true

		stored := *in
		s.messages[stored.ID] = &stored
		job := &model.Job{
			JobID:          uuid.NewString(),
			IdempotencyKey: in.IdempotencyKey,
			MessageID:      stored.ID,
			VisibleAt:      in.ScheduledAt.UTC(),
		}
		s.jobs[job.JobID] = job
		enqueued++
	}
	return enqueued, nil
}

func (s *MemoryStore) Lease(_ context.Context, owner string, max int, leaseFor time.Duration) ([]model.Job, error) {
	if max <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	leasedLead := map[string]bool{}
	head := map[string]int{}
	for _, m := range s.messages {
		if m.Status.Terminal() {
			continue
		}
		if m.Status == model.MessageLeased {
			leasedLead[m.LeadID] = true
		}
		if idx, ok := head[m.LeadID]; !ok || m.SequenceIndex < idx {
			head[m.LeadID] = m.SequenceIndex
		}
	}

	candidates := make([]*model.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if j.LeaseToken == "" && !j.VisibleAt.After(now) {
			candidates = append(candidates, j)
		}
	}
	sort.Slice(candidates, func(a, b int) bool {
		if candidates[a].VisibleAt.Equal(candidates[b].VisibleAt) {
			return candidates[a].JobID < candidates[b].JobID
		}
		return candidates[a].VisibleAt.Before(candidates[b].VisibleAt)
	})

	token := uuid.NewString()
	expires := now.Add(leaseFor)
	out := []model.Job{}
	for _, j := range candidates {
		if len(out) == max {
			break
		}
		m := s.messages[j.MessageID]
		if m.Status != model.MessagePending && m.Status != model.MessageFailed {
			continue
		}
		if leasedLead[m.LeadID] || head[m.LeadID] != m.SequenceIndex {
			continue
		}
		j.LeaseOwner = owner
		j.LeaseToken = token
		exp := expires
		j.LeaseExpiresAt = &exp
		m.Status = model.MessageLeased
		m.UpdatedAt = now
		leasedLead[m.LeadID] = true

		cp := *j
		cp.Message = *m
		out = append(out, cp)
	}
	return out, nil
}

// owned returns the job and message held by lease. Caller holds s.mu.
func (s *MemoryStore) owned(lease model.Lease) (*model.Job, *model.ScheduledMessage, error) {
	j, ok := s.jobs[lease.JobID]
	if !ok || j.LeaseToken == "" || j.LeaseToken != lease.Token {
		return nil, nil, appErrors.ErrLeaseLost
	}
	return j, s.messages[j.MessageID], nil
}

func (s *MemoryStore) appendAttempt(messageID string, no int, outcome model.AttemptOutcome, errText, worker string) {
	s.attemptSeq++
	s.attempts[messageID] = append(s.attempts[messageID], model.Attempt{
		ID:        s.attemptSeq,
		MessageID: messageID,
		AttemptNo: no,
		Outcome:   outcome,
		Error:     errText,
		Worker:    worker,
		CreatedAt: s.now(),
	})
}

func (s *MemoryStore) Ack(_ context.Context, lease model.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, m, err := s.owned(lease)
	if err != nil {
		return err
	}
	now := s.now()
	j.AttemptCount++
	m.AttemptCount = j.AttemptCount
	m.Status = model.MessageSent
	m.LastError = ""
	m.SentAt = &now
	m.UpdatedAt = now
	delete(s.jobs, j.JobID)
	s.appendAttempt(m.ID, j.AttemptCount, model.AttemptSent, "", j.LeaseOwner)
	return nil
}

func (s *MemoryStore) Nack(_ context.Context, lease model.Lease, retryAfter time.Duration, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, m, err := s.owned(lease)
	if err != nil {
		return err
	}
	now := s.now()
	owner := j.LeaseOwner
	j.AttemptCount++
	j.VisibleAt = now.Add(retryAfter)
	clearLease(j)
	m.AttemptCount = j.AttemptCount
	m.Status = model.MessageFailed
	m.LastError = cause
	m.UpdatedAt = now
	s.appendAttempt(m.ID, j.AttemptCount, model.AttemptTransient, cause, owner)
	return nil
}

func (s *MemoryStore) Release(_ context.Context, lease model.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, m, err := s.owned(lease)
	if err != nil {
		return err
	}
	now := s.now()
	owner := j.LeaseOwner
	j.VisibleAt = now
	clearLease(j)
	m.Status = model.MessagePending
	if j.AttemptCount > 0 {
		m.Status = model.MessageFailed
	}
	m.UpdatedAt = now
	s.appendAttempt(m.ID, j.AttemptCount, model.AttemptReleased, "", owner)
	return nil
}

func (s *MemoryStore) DeadLetter(_ context.Context, lease model.Lease, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, m, err := s.owned(lease)
	if err != nil {
		return err
	}
	j.AttemptCount++
	s.deadLetterLocked(j, m, reason, j.LeaseOwner)
	return nil
}

func (s *MemoryStore) deadLetterLocked(j *model.Job, m *model.ScheduledMessage, reason, worker string) {
	now := s.now()
	m.AttemptCount = j.AttemptCount
	m.Status = model.MessageDeadLettered
	m.LastError = reason
	m.UpdatedAt = now
	delete(s.jobs, j.JobID)
	s.deadLetters = append(s.deadLetters, model.DeadLetter{
		JobID:          j.JobID,
		MessageID:      m.ID,
		CampaignID:     m.CampaignID,
		LeadID:         m.LeadID,
		SequenceIndex:  m.SequenceIndex,
		Channel:        m.Channel,
		Reason:         reason,
		AttemptCount:   j.AttemptCount,
		DeadLetteredAt: now,
	})
	s.appendAttempt(m.ID, j.AttemptCount, model.AttemptDeadLettered, reason, worker)
}

func clearLease(j *model.Job) {
	j.LeaseOwner = ""
	j.LeaseToken = ""
	j.LeaseExpiresAt = nil
}

func (s *MemoryStore) LeadHasOtherLease(_ context.Context, leadID, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	own := ""
	if j, ok := s.jobs[jobID]; ok {
		own = j.MessageID
	}
	for _, m := range s.messages {
		if m.LeadID == leadID && m.Status == model.MessageLeased && m.ID != own {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) CancelPendingByLead(_ context.Context, leadID string) (int, error) {
	return s.cancelWhere(func(m *model.ScheduledMessage) bool { return m.LeadID == leadID }), nil
}

func (s *MemoryStore) CancelPendingByCampaign(_ context.Context, campaignID string) (int, error) {
	return s.cancelWhere(func(m *model.ScheduledMessage) bool { return m.CampaignID == campaignID }), nil
}

func (s *MemoryStore) cancelWhere(match func(*model.ScheduledMessage) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cancelled := 0
	for id, j := range s.jobs {
		m := s.messages[j.MessageID]
		if !match(m) || j.LeaseToken != "" {
			continue
		}
		if m.Status != model.MessagePending && m.Status != model.MessageFailed {
			continue
		}
		m.Status = model.MessageCancelled
		m.UpdatedAt = now
		delete(s.jobs, id)
		cancelled++
	}
	return cancelled
}

func (s *MemoryStore) ReapExpired(_ context.Context, backoff time.Duration, maxAttempts int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	reaped := 0
	for _, j := range s.jobs {
		if j.LeaseToken == "" || j.LeaseExpiresAt == nil || j.LeaseExpiresAt.After(now) {
			continue
		}
		m := s.messages[j.MessageID]
		owner := j.LeaseOwner
		j.AttemptCount++
		reaped++
		if maxAttempts > 0 && j.AttemptCount > maxAttempts {
			s.deadLetterLocked(j, m, "lease expired", owner)
			continue
		}
		j.VisibleAt = now.Add(backoff)
		clearLease(j)
		m.AttemptCount = j.AttemptCount
		m.Status = model.MessageFailed
		m.LastError = "lease expired"
		m.UpdatedAt = now
		s.appendAttempt(m.ID, j.AttemptCount, model.AttemptLeaseExpired, "lease expired", owner)
	}
	return reaped, nil
}

func (s *MemoryStore) ListDeadLetters(_ context.Context, limit, offset int) ([]model.DeadLetter, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := append([]model.DeadLetter{}, s.deadLetters...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].DeadLetteredAt.After(all[j].DeadLetteredAt) })
	total := len(all)
	if offset > total {
		return []model.DeadLetter{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total, nil
}

// ====================== Event ledger ======================

// Ledger exposes the event ledger half of the store.
func (s *MemoryStore) Ledger() LedgerRepositoryInterface {
	return memoryLedger{s}
}

type memoryLedger struct{ s *MemoryStore }

func (m memoryLedger) Claim(_ context.Context, entry model.LedgerEntry, lease time.Duration) (model.LedgerEntry, bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	now := m.s.now()
	claim := now.Add(lease)

	existing, ok := m.s.ledger[entry.EventID]
	if !ok {
		entry.Status = model.LedgerProcessing
		entry.Deliveries = 1
		entry.ClaimExpiresAt = &claim
		entry.CreatedAt = now
		entry.UpdatedAt = now
		stored := entry
		m.s.ledger[entry.EventID] = &stored
		return stored, true, nil
	}

	existing.Deliveries++
	existing.UpdatedAt = now
	if existing.Status == model.LedgerProcessing &&
		(existing.ClaimExpiresAt == nil || !existing.ClaimExpiresAt.After(now)) {
		existing.ClaimExpiresAt = &claim
		return *existing, true, nil
	}
	return *existing, false, nil
}

func (m memoryLedger) Finish(_ context.Context, eventID string, status model.LedgerStatus, result json.RawMessage, reason string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	e, ok := m.s.ledger[eventID]
	if !ok {
		return appErrors.NewNotFound("ledger entry", eventID)
	}
	e.Status = status
	e.Result = append(json.RawMessage(nil), result...)
	e.Reason = reason
	e.ClaimExpiresAt = nil
	e.UpdatedAt = m.s.now()
	return nil
}

func (m memoryLedger) ReleaseClaim(_ context.Context, eventID string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	e, ok := m.s.ledger[eventID]
	if !ok {
		return appErrors.NewNotFound("ledger entry", eventID)
	}
	now := m.s.now()
	e.ClaimExpiresAt = &now
	e.UpdatedAt = now
	return nil
}

func (m memoryLedger) Get(_ context.Context, eventID string) (*model.LedgerEntry, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	e, ok := m.s.ledger[eventID]
	if !ok {
		return nil, appErrors.NewNotFound("ledger entry", eventID)
	}
	cp := *e
	return &cp, nil
}

func (m memoryLedger) ListByStatus(_ context.Context, status model.LedgerStatus, limit, offset int) ([]model.LedgerEntry, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	out := []model.LedgerEntry{}
	for _, e := range m.s.ledger {
		if e.Status == status {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset > len(out) {
		return []model.LedgerEntry{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// ====================== Billing events ======================

// Billing exposes the billing event half of the store.
func (s *MemoryStore) Billing() BillingRepositoryInterface {
	return memoryBilling{s}
}

type memoryBilling struct{ s *MemoryStore }

func (m memoryBilling) CreateIfAbsent(_ context.Context, ev *model.BillingEvent) (*model.BillingEvent, bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if existing, ok := m.s.billing[ev.EventID]; ok {
		cp := *existing
		return &cp, false, nil
	}
	for _, other := range m.s.billing {
		if other.MeetingID == ev.MeetingID {
			return nil, false, ErrDuplicateMeeting
		}
	}
	stored := *ev
	if stored.ProcessedAt.IsZero() {
		stored.ProcessedAt = m.s.now()
	}
	if stored.InvoiceStatus == "" {
		stored.InvoiceStatus = model.InvoicePending
	}
	m.s.billing[ev.EventID] = &stored
	cp := stored
	return &cp, true, nil
}

func (m memoryBilling) SetCharge(_ context.Context, eventID, chargeID string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	ev, ok := m.s.billing[eventID]
	if !ok {
		return appErrors.NewNotFound("billing event", eventID)
	}
	ev.ChargeID = chargeID
	ev.InvoiceStatus = model.InvoiceInvoiced
	return nil
}

func (m memoryBilling) GetByChargeID(_ context.Context, chargeID string) (*model.BillingEvent, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, ev := range m.s.billing {
		if ev.ChargeID != "" && ev.ChargeID == chargeID {
			cp := *ev
			return &cp, nil
		}
	}
	return nil, appErrors.NewNotFound("billing event with charge", chargeID)
}

func (m memoryBilling) UpdateInvoiceStatus(_ context.Context, eventID string, status model.InvoiceStatus) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	ev, ok := m.s.billing[eventID]
	if !ok {
		return appErrors.NewNotFound("billing event", eventID)
	}
	ev.InvoiceStatus = status
	return nil
}

// BillingEvents returns a snapshot of every billing row.
func (s *MemoryStore) BillingEvents() []model.BillingEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.BillingEvent, 0, len(s.billing))
	for _, ev := range s.billing {
		out = append(out, *ev)
	}
	return out
}

var (
	_ LeadRepositoryInterface     = (*MemoryStore)(nil)
	_ MessageRepositoryInterface  = (*MemoryStore)(nil)
	_ JobStoreInterface           = (*MemoryStore)(nil)
	_ CampaignRepositoryInterface = memoryCampaigns{}
	_ LedgerRepositoryInterface   = memoryLedger{}
	_ BillingRepositoryInterface  = memoryBilling{}
)

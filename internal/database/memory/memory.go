// Package memory is an in-process ledger store. Transactions are serialized by a mutex
// and staged on copies, so a failed transaction function leaves no trace. It backs the
// tests and the local environment; it is not durable.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"creditengine/entity"
	"creditengine/internal/ledger"
)

type Store struct {
	mu           sync.Mutex // ledger documents; held for the whole of RunTx
	accounts     map[string]*entity.Account
	transactions map[string][]*entity.Transaction
	markers      map[string]*entity.Marker
	intents      map[string]*entity.TransferIntent

	metaMu   sync.RWMutex // settings, audit trail, api users
	settings *entity.Settings
	audit    []*entity.AuditEntry
	users    map[string]*entity.User
}

func New() *Store {
	return &Store{
		accounts:     make(map[string]*entity.Account),
		transactions: make(map[string][]*entity.Transaction),
		markers:      make(map[string]*entity.Marker),
		intents:      make(map[string]*entity.TransferIntent),
		users:        make(map[string]*entity.User),
	}
}

// RunTx runs fn against a staged view and commits the staged writes only when fn succeeds.
func (s *Store) RunTx(ctx context.Context, fn ledger.TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{
		store:    s,
		accounts: make(map[string]*entity.Account),
		markers:  make(map[string]*entity.Marker),
	}
	if err := fn(ctx, t); err != nil {
		return err
	}
	for id, a := range t.accounts {
		s.accounts[id] = a
	}
	for _, r := range t.records {
		s.transactions[r.UserID] = append(s.transactions[r.UserID], r)
	}
	for id, m := range t.markers {
		s.markers[id] = m
	}
	for _, in := range t.intents {
		s.intents[in.ID] = in
	}
	return nil
}

func (s *Store) GetAccount(_ context.Context, userID string) (*entity.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[userID]
	if !ok {
		return nil, entity.ErrAccountNotFound
	}
	return a.Clone(), nil
}

// Transactions returns the user's log newest first.
func (s *Store) Transactions(_ context.Context, userID string, limit int) ([]*entity.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.transactions[userID]
	result := make([]*entity.Transaction, 0, len(log))
	for i := len(log) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		r := *log[i]
		result = append(result, &r)
	}
	return result, nil
}

func (s *Store) TransferIntent(_ context.Context, id string) (*entity.TransferIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[id]
	if !ok {
		return nil, entity.ErrNotFound
	}
	c := *in
	return &c, nil
}

func (s *Store) GetSettings(_ context.Context) (*entity.Settings, error) {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	if s.settings == nil {
		return nil, entity.ErrNotFound
	}
	return s.settings.Clone(), nil
}

// SaveSettings stores a new version when the stored one still equals expectVersion.
// The payment section of an existing document is kept; it changes through SavePayment.
func (s *Store) SaveSettings(_ context.Context, settings *entity.Settings, expectVersion int64) error {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	var current int64
	if s.settings != nil {
		current = s.settings.Version
	}
	if current != expectVersion {
		return entity.ErrVersionConflict
	}
	c := settings.Clone()
	if s.settings != nil {
		c.Payment = s.settings.Clone().Payment
	}
	c.ID = entity.SettingsID
	c.Version = expectVersion + 1
	s.settings = c
	settings.Version = c.Version
	return nil
}

func (s *Store) IncrementPromoUses(_ context.Context, code string) error {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	if s.settings == nil {
		return entity.ErrNotFound
	}
	p := s.settings.PromoCode(code)
	if p == nil {
		return entity.ErrNotFound
	}
	p.CurrentUses++
	return nil
}

func (s *Store) IncrementPilotParticipants(_ context.Context, programID string, delta int64) error {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	if s.settings == nil {
		return entity.ErrNotFound
	}
	p := s.settings.PilotProgram(programID)
	if p == nil {
		return entity.ErrNotFound
	}
	p.CurrentParticipants += delta
	if p.CurrentParticipants < 0 {
		p.CurrentParticipants = 0
	}
	return nil
}

// ReservePilotSeat counts one participant unless the program is already at limit.
// A limit of zero means no cap.
func (s *Store) ReservePilotSeat(_ context.Context, programID string, limit int64) error {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	if s.settings == nil {
		return entity.ErrNotFound
	}
	p := s.settings.PilotProgram(programID)
	if p == nil {
		return entity.ErrNotFound
	}
	if limit > 0 && p.CurrentParticipants >= limit {
		return entity.ErrPilotUnavailable
	}
	p.CurrentParticipants++
	return nil
}

func (s *Store) LoadPayment(_ context.Context) (entity.PaymentSettings, error) {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	if s.settings == nil {
		return entity.PaymentSettings{}, entity.ErrNotFound
	}
	return s.settings.Clone().Payment, nil
}

// SavePayment replaces the payment section without bumping the settings version.
func (s *Store) SavePayment(_ context.Context, payment entity.PaymentSettings) error {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	if s.settings == nil {
		return entity.ErrNotFound
	}
	c := s.settings.Clone()
	c.Payment = payment
	s.settings = c.Clone()
	return nil
}

func (s *Store) SaveAudit(_ context.Context, e *entity.AuditEntry) error {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	c := *e
	s.audit = append(s.audit, &c)
	return nil
}

func (s *Store) AuditLog(_ context.Context, limit int) ([]*entity.AuditEntry, error) {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	result := make([]*entity.AuditEntry, 0, len(s.audit))
	for i := len(s.audit) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		c := *s.audit[i]
		result = append(result, &c)
	}
	return result, nil
}

func (s *Store) SaveUser(_ context.Context, user *entity.User) error {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	c := *user
	s.users[user.Token] = &c
	return nil
}

func (s *Store) GetUser(token string) (*entity.User, error) {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	u, ok := s.users[token]
	if !ok {
		return nil, entity.ErrNotFound
	}
	c := *u
	return &c, nil
}

// Accounts returns copies of all accounts ordered by user id.
func (s *Store) Accounts() []*entity.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]*entity.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		result = append(result, a.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return strings.Compare(result[i].UserID, result[j].UserID) < 0
	})
	return result
}

// tx stages writes; reads see the staged value first.
type tx struct {
	store    *Store
	accounts map[string]*entity.Account
	records  []*entity.Transaction
	markers  map[string]*entity.Marker
	intents  []*entity.TransferIntent
}

func (t *tx) Account(_ context.Context, userID string) (*entity.Account, error) {
	if a, ok := t.accounts[userID]; ok {
		return a.Clone(), nil
	}
	a, ok := t.store.accounts[userID]
	if !ok {
		return nil, entity.ErrAccountNotFound
	}
	return a.Clone(), nil
}

func (t *tx) PutAccount(_ context.Context, account *entity.Account) error {
	t.accounts[account.UserID] = account.Clone()
	return nil
}

func (t *tx) AppendTransaction(_ context.Context, record *entity.Transaction) error {
	c := *record
	t.records = append(t.records, &c)
	return nil
}

func (t *tx) HasMarker(_ context.Context, id string) (bool, error) {
	if _, ok := t.markers[id]; ok {
		return true, nil
	}
	_, ok := t.store.markers[id]
	return ok, nil
}

func (t *tx) PutMarker(_ context.Context, marker *entity.Marker) error {
	if _, ok := t.store.markers[marker.ID]; ok {
		return entity.ErrAlreadyRedeemed
	}
	c := *marker
	t.markers[marker.ID] = &c
	return nil
}

func (t *tx) PutTransferIntent(_ context.Context, intent *entity.TransferIntent) error {
	c := *intent
	t.intents = append(t.intents, &c)
	return nil
}

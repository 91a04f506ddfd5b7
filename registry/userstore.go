package registry

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// UserStore is an in-memory account table implementing UserFinder,
// CredentialSource and UsageCounter. It serves single-box deployments and
// tests; a hosted deployment plugs its own backends into the same
// interfaces.
type UserStore struct {
	mux     sync.Mutex
	byKey   map[string]*User
	records map[string]*userRecord
}

type userRecord struct {
	upstreamKey string
	dailyLimit  int
	used        int
	window      time.Time
}

func NewUserStore() *UserStore {
	return &UserStore{
		byKey:   make(map[string]*User),
		records: make(map[string]*userRecord),
	}
}

// Add registers a user. dailyLimit < 0 means unlimited; upstreamKey may be
// empty for accounts that have not linked a Stitch credential yet.
func (s *UserStore) Add(user *User, upstreamKey string, dailyLimit int) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.byKey[user.Key] = user
	s.records[user.Id] = &userRecord{upstreamKey: upstreamKey, dailyLimit: dailyLimit}
}

func (s *UserStore) FindByKey(ctx context.Context, key string) (*User, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.byKey[key], nil
}

func (s *UserStore) UpstreamKey(ctx context.Context, user *User) (string, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	record := s.records[user.Id]
	if record == nil || record.upstreamKey == "" {
		return "", fmt.Errorf("no Stitch API key linked; add one at https://cloud.nton2.com/account")
	}
	return record.upstreamKey, nil
}

func (s *UserStore) Check(ctx context.Context, user *User) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	record := s.records[user.Id]
	if record == nil || record.dailyLimit < 0 {
		return nil
	}
	s.rollWindow(record, time.Now())
	if record.used >= record.dailyLimit {
		return fmt.Errorf("daily generation limit reached (%d/day on the %s plan); upgrade at https://cloud.nton2.com/billing",
			record.dailyLimit, user.Plan)
	}
	return nil
}

func (s *UserStore) Increment(ctx context.Context, user *User) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	record := s.records[user.Id]
	if record == nil {
		return nil
	}
	s.rollWindow(record, time.Now())
	record.used++
	return nil
}

func (s *UserStore) rollWindow(record *userRecord, now time.Time) {
	day := now.Truncate(24 * time.Hour)
	if !record.window.Equal(day) {
		record.window = day
		record.used = 0
	}
}

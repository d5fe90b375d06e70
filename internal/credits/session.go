package credits

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type NoticeKind string

const (
	NoticeUpgrade NoticeKind = "upgrade_required"
	NoticeRetry   NoticeKind = "retry"
	NoticeWarning NoticeKind = "warning"
)

const (
	upgradeMessage = "Not enough credits for this action. Upgrade your plan or buy a credit pack."
	retryMessage   = "Credit transaction failed, please try the action again."
)

type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Message string     `json:"message"`
	At      time.Time  `json:"at"`
}

// BalanceView is what a client renders: the speculative value it shows and
// the last value confirmed by the ledger.
type BalanceView struct {
	Shown         int `json:"shown"`
	Authoritative int `json:"authoritative"`
}

// Session is the per-client state the orchestrators act on. The cached
// balance is advisory; every resolved ledger operation overwrites it.
type Session struct {
	ID        string
	AccountID int64

	mu            sync.Mutex
	speculative   int
	authoritative int
	notices       []Notice
	lastSeen      time.Time
	listener      func(BalanceView)
}

type SessionOption func(*Session)

// WithBalanceListener registers the update channel invoked on every balance change.
func WithBalanceListener(fn func(BalanceView)) SessionOption {
	return func(s *Session) { s.listener = fn }
}

// WithSessionID overrides the generated session id.
func WithSessionID(id string) SessionOption {
	return func(s *Session) { s.ID = id }
}

func NewSession(accountID int64, balance int, opts ...SessionOption) *Session {
	s := &Session{
		ID:            uuid.NewString(),
		AccountID:     accountID,
		speculative:   balance,
		authoritative: balance,
		lastSeen:      time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Balance returns the cached (possibly speculative) balance.
func (s *Session) Balance() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speculative
}

func (s *Session) View() BalanceView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return BalanceView{Shown: s.speculative, Authoritative: s.authoritative}
}

// CanAfford is the local fast-path check; it never touches the ledger.
func (s *Session) CanAfford(amount int) bool {
	return s.Balance() >= amount
}

// Reconcile overwrites both slots with an authoritative ledger value.
func (s *Session) Reconcile(authoritative int) {
	s.mu.Lock()
	s.authoritative = authoritative
	s.speculative = authoritative
	view := BalanceView{Shown: s.speculative, Authoritative: s.authoritative}
	s.mu.Unlock()
	s.emit(view)
}

// reserve applies the optimistic decrement. It reports false without
// changing anything when the cached balance cannot cover amount.
func (s *Session) reserve(amount int) bool {
	s.mu.Lock()
	if s.speculative < amount {
		s.mu.Unlock()
		return false
	}
	s.speculative -= amount
	view := BalanceView{Shown: s.speculative, Authoritative: s.authoritative}
	s.mu.Unlock()
	s.emit(view)
	return true
}

// rollback discards the optimistic guess, restoring the last confirmed value.
func (s *Session) rollback() {
	s.mu.Lock()
	s.speculative = s.authoritative
	view := BalanceView{Shown: s.speculative, Authoritative: s.authoritative}
	s.mu.Unlock()
	s.emit(view)
}

func (s *Session) emit(view BalanceView) {
	if s.listener != nil {
		s.listener(view)
	}
}

func (s *Session) Notify(kind NoticeKind, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, Notice{Kind: kind, Message: message, At: time.Now().UTC()})
}

// DrainNotices returns pending notices and clears the queue.
func (s *Session) DrainNotices() []Notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.notices
	s.notices = nil
	return out
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastSeen)
}

// SessionStore keeps live client sessions in memory.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

func (m *SessionStore) Get(id string) (*Session, bool) {
	m.mu.RLock()
	session, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		session.touch(m.now())
	}
	return session, ok
}

func (m *SessionStore) Put(session *Session) {
	session.touch(m.now())
	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()
}

func (m *SessionStore) Delete(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Sweep drops sessions idle for longer than ttl and returns how many were removed.
func (m *SessionStore) Sweep(ttl time.Duration) int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, session := range m.sessions {
		if session.idleSince(now) > ttl {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

func (m *SessionStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

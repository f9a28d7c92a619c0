// Package consolesession holds the console's current application session:
// a reducer-style store with named, total transitions, mirrored to durable
// storage and rehydrated at process start.
package consolesession

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"github.com/shulehub/shule/core/session"
	"github.com/shulehub/shule/core/user"
)

// Store owns the Session. All mutation goes through the named transitions
// below; there is no ad-hoc field access. Exactly one of {logged out,
// logged in, impersonating} holds at a time, and every mutation is mirrored
// to durable storage before subscribers are notified.
type Store struct {
	storage Storage

	mu      sync.Mutex
	sess    session.Session
	impCtx  *session.ImpersonationContext
	subs    map[int]func(session.Session)
	nextSub int
}

func NewStore(storage Storage) *Store {
	return &Store{
		storage: storage,
		sess:    session.LoggedOut(),
		subs:    make(map[int]func(session.Session)),
	}
}

// Current returns the session as of the last completed transition.
func (s *Store) Current() session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess
}

// Impersonation returns the active impersonation context, or nil.
func (s *Store) Impersonation() *session.ImpersonationContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.impCtx
}

// Persisted reads the durably stored session without mutating the store.
// Used by the auth state machine's rehydration gate before any guard
// decision is made.
func (s *Store) Persisted() (session.Session, error) {
	raw, err := s.storage.Get(KeyAuth)
	if err != nil {
		if errors.Cause(err) == ErrKeyNotFound {
			return session.LoggedOut(), nil
		}
		return session.Session{}, errors.Wrap(err, "reading persisted session")
	}
	var sess session.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return session.Session{}, errors.Wrap(err, "decoding persisted session")
	}
	if !sess.Valid() {
		return session.LoggedOut(), nil
	}
	return sess, nil
}

// Subscribe registers fn to run on every transition, starting with one
// immediate delivery of the current session. Deliveries are serialized.
func (s *Store) Subscribe(fn func(session.Session)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	current := s.sess
	s.mu.Unlock()

	fn(current)

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// LoginSuccess installs a fresh interactive login.
func (s *Store) LoginSuccess(usr user.User, tok session.Token) error {
	return s.apply(session.LoggedIn(usr, tok), nil)
}

// Rehydrate installs a session restored from durable storage or a passive
// backend re-verification. Same effect as LoginSuccess; kept distinct so
// fresh logins and restorations stay distinguishable upstream.
func (s *Store) Rehydrate(usr user.User, tok session.Token) error {
	return s.apply(session.LoggedIn(usr, tok), nil)
}

// StartImpersonation replaces the active session with the impersonated
// identity. Impersonating implies logged in as the impersonated user.
func (s *Store) StartImpersonation(impersonated, original user.User, tok session.Token) error {
	impCtx := &session.ImpersonationContext{
		Impersonated: impersonated,
		Original:     original,
		Token:        tok,
	}
	return s.apply(session.LoggedIn(impersonated, tok), impCtx)
}

// Logout clears the session and any impersonation context unconditionally.
// Idempotent.
func (s *Store) Logout() error {
	return s.apply(session.LoggedOut(), nil)
}

// SaveOriginalUser durably records the privileged identity (and its session
// token) for the duration of an impersonation. The impersonation controller
// is the sole caller; no other component may write these keys.
func SaveOriginalUser(storage Storage, original user.User, originalTok session.Token) error {
	rawUsr, err := json.Marshal(original)
	if err != nil {
		return errors.Wrap(err, "encoding original user")
	}
	rawTok, err := json.Marshal(originalTok)
	if err != nil {
		return errors.Wrap(err, "encoding original token")
	}
	if err := storage.Set(KeyOriginalUser, rawUsr); err != nil {
		return err
	}
	if err := storage.Set(KeyAccessToken, rawTok); err != nil {
		return err
	}
	return storage.Set(KeyIsImpersonating, []byte("true"))
}

// LoadOriginalUser restores the persisted privileged identity and its
// token, or ErrKeyNotFound when no impersonation is recorded. A recorded
// user without its token is an error too: an authenticated session cannot
// be rebuilt from half the record.
func LoadOriginalUser(storage Storage) (user.User, session.Token, error) {
	rawUsr, err := storage.Get(KeyOriginalUser)
	if err != nil {
		return user.User{}, session.Token{}, err
	}
	var original user.User
	if err := json.Unmarshal(rawUsr, &original); err != nil {
		return user.User{}, session.Token{}, errors.Wrap(err, "decoding original user")
	}

	rawTok, err := storage.Get(KeyAccessToken)
	if err != nil {
		return user.User{}, session.Token{}, err
	}
	var originalTok session.Token
	if err := json.Unmarshal(rawTok, &originalTok); err != nil {
		return user.User{}, session.Token{}, errors.Wrap(err, "decoding original token")
	}
	return original, originalTok, nil
}

// ClearOriginalUser removes the impersonation marker keys.
func ClearOriginalUser(storage Storage) error {
	if err := storage.Delete(KeyOriginalUser); err != nil {
		return err
	}
	if err := storage.Delete(KeyAccessToken); err != nil {
		return err
	}
	return storage.Delete(KeyIsImpersonating)
}

func (s *Store) apply(sess session.Session, impCtx *session.ImpersonationContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(sess)
	if err != nil {
		return errors.Wrap(err, "encoding session")
	}
	if err := s.storage.Set(KeyAuth, raw); err != nil {
		return errors.Wrap(err, "persisting session")
	}

	s.sess = sess
	s.impCtx = impCtx
	for _, fn := range s.subs {
		fn(sess)
	}
	return nil
}

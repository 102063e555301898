package identity

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/sensei/pkg/store"
)

const userKey = "current_user"

// User is the stable opaque identity sent with every ask.
type User struct {
	ID string `json:"id"`
}

// Manager loads the current user once and caches it for the process lifetime.
type Manager struct {
	backend store.Backend

	mu     sync.Mutex
	cached *User
}

func NewManager(backend store.Backend) (*Manager, error) {
	if backend == nil {
		return nil, errors.New("identity: backend is nil")
	}
	return &Manager{backend: backend}, nil
}

// CurrentUser returns the persisted user, creating one on first use.
func (m *Manager) CurrentUser(ctx context.Context) (User, error) {
	if m == nil || m.backend == nil {
		return User{}, errors.New("identity: manager is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached != nil {
		return *m.cached, nil
	}

	raw, ok, err := m.backend.Get(ctx, userKey)
	if err != nil {
		return User{}, errors.Wrap(err, "identity: load user")
	}
	if ok {
		var u User
		if err := json.Unmarshal(raw, &u); err == nil && u.ID != "" {
			m.cached = &u
			return u, nil
		}
		// Unreadable record: mint a fresh identity rather than failing every ask.
		log.Warn().Str("component", "identity").Msg("stored user record unreadable, recreating")
	}

	u := User{ID: uuid.NewString()}
	b, err := json.Marshal(u)
	if err != nil {
		return User{}, errors.Wrap(err, "identity: marshal user")
	}
	if err := m.backend.Put(ctx, userKey, b); err != nil {
		return User{}, errors.Wrap(err, "identity: persist user")
	}
	m.cached = &u
	return u, nil
}

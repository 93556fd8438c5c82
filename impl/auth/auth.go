package auth

import (
	"fmt"
	"time"

	"creditengine/entity"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type Database interface {
	GetUser(token string) (*entity.User, error)
}

// Auth resolves bearer tokens to users. Successful lookups are cached for a short time,
// so a revoked token keeps working for at most the cache TTL.
type Auth struct {
	db    Database
	cache *expirable.LRU[string, *entity.User]
}

func New(db Database, ttl time.Duration) *Auth {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Auth{
		db:    db,
		cache: expirable.NewLRU[string, *entity.User](1024, nil, ttl),
	}
}

func (a *Auth) UserByToken(token string) (*entity.User, error) {
	if a.db == nil {
		return nil, fmt.Errorf("database not connected")
	}
	if user, ok := a.cache.Get(token); ok {
		c := *user
		return &c, nil
	}
	user, err := a.db.GetUser(token)
	if err != nil {
		return nil, err
	}
	if user.Role == "" {
		user.Role = entity.RoleUser
	}
	c := *user
	a.cache.Add(token, &c)
	return user, nil
}

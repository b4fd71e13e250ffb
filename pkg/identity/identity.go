package identity

import (
	"context"
	"errors"
	"fmt"

	"smallbiznis-economy/pkg/rediskey"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

type Role string

const (
	RoleStandard   Role = "standard"
	RolePrivileged Role = "privileged"
)

// Normalize maps unknown roles to standard.
func (r Role) Normalize() Role {
	if r == RolePrivileged {
		return RolePrivileged
	}
	return RoleStandard
}

type Identity struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

func (i Identity) Privileged() bool {
	return i.Role == RolePrivileged
}

// Resolver answers who a user is and which tier they hold.
type Resolver interface {
	Resolve(ctx context.Context, userID string) (Identity, error)
}

var Module = fx.Module("identity", fx.Provide(NewRedisResolver))

// RedisResolver reads the role cached by the chat process under
// economy:identity:role:{user_id}. Missing keys resolve to standard.
type RedisResolver struct {
	rdb redis.UniversalClient
}

func NewRedisResolver(rdb *redis.Client) Resolver {
	return &RedisResolver{rdb: rdb}
}

func (r *RedisResolver) Resolve(ctx context.Context, userID string) (Identity, error) {
	role, err := r.rdb.Get(ctx, rediskey.BuildIdentityRoleKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Identity{UserID: userID, Role: RoleStandard}, nil
		}
		return Identity{}, fmt.Errorf("resolve identity %s: %w", userID, err)
	}
	return Identity{UserID: userID, Role: Role(role).Normalize()}, nil
}

// Static resolves every user from a fixed map; used by seeds and tests.
type Static map[string]Role

func (s Static) Resolve(_ context.Context, userID string) (Identity, error) {
	return Identity{UserID: userID, Role: s[userID].Normalize()}, nil
}

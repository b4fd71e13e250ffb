package rediskey

import "fmt"

// Key prefixes shared with the chat process.
const (
	IdentityRolePrefix = "economy:identity:role"
	LockPrefix         = "economy:lock"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildIdentityRoleKey returns "economy:identity:role:{userID}"
func BuildIdentityRoleKey(userID string) string {
	return NamespaceKey(IdentityRolePrefix, userID)
}

// BuildLockKey returns "economy:lock:{name}"
func BuildLockKey(name string) string {
	return NamespaceKey(LockPrefix, name)
}

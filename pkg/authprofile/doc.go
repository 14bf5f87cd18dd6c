// Package authprofile stores provider credentials as named profiles and
// decides which profile to use next.
//
// The store is a single JSON file shared by every clawgate process on the
// host. Mutations always follow lock, re-read, apply, write, unlock so that a
// CLI invocation and a running gateway never lose each other's updates.
//
// Three credential kinds exist: api_key, token and oauth. Only oauth
// credentials can be refreshed; refresh runs under the same file lock so
// that two processes never spend the same refresh token.
//
// Usage:
//
//	mgr := authprofile.NewManager(authprofile.ManagerOptions{AgentDir: dir})
//	store, err := mgr.EnsureStore(ctx)
//	order := authprofile.ResolveOrder(authprofile.OrderParams{Provider: "anthropic", Store: store})
//	key, err := mgr.ResolveAPIKey(ctx, authprofile.ResolveParams{ProfileID: order[0], Store: store})
package authprofile

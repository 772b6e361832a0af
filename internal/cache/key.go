package cache

import "github.com/xsigma/platform/gateway/internal/params"

// KeyFor builds the cache key for a validated parameter set. Parameters are
// serialized with sorted member names so request ordering never matters.
func KeyFor(profile string, set *params.Set) string {
	return profile + ":" + set.Canonical()
}

package auth

// Scopes recognised by the progress API.
const (
	ScopeProgressWrite = "progress:write"
	ScopeProgressRead  = "progress:read"
	ScopeBadgesAward   = "badges:award"
)

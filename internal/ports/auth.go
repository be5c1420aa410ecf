package ports

// AuthClaims are the verified identity fields the admin API cares about.
type AuthClaims struct {
	Subject string
	Role    string
}

type TokenVerifier interface {
	Verify(raw string) (AuthClaims, error)
}

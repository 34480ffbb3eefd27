package session

import "strings"

const tokenDelimiter = "."

// Credential is what the client presents: a public session id and the
// private secret returned once by Create.
type Credential struct {
	SessionID string
	Secret    string
}

// Token returns the cookie encoding "<sessionID>.<secret>".
func (c Credential) Token() string {
	return c.SessionID + tokenDelimiter + c.Secret
}

// ParseToken splits a cookie value into a Credential. Exactly one
// delimiter with non-empty parts on both sides is accepted.
func ParseToken(token string) (Credential, error) {
	id, secret, ok := strings.Cut(token, tokenDelimiter)
	if !ok || id == "" || secret == "" || strings.Contains(secret, tokenDelimiter) {
		return Credential{}, ErrMalformedToken
	}
	return Credential{SessionID: id, Secret: secret}, nil
}

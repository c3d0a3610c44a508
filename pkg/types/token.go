package types

import (
	"strings"
	"time"
)

// CredentialKind classifies the content of a token file.
type CredentialKind string

const (
	// CredentialPAT is a long-lived personal access token, exchanged for
	// short-lived registration tokens on demand.
	CredentialPAT CredentialKind = "pat"

	// CredentialRegistrationToken is an already-minted registration token,
	// valid for roughly an hour from its own creation time.
	CredentialRegistrationToken CredentialKind = "registration-token"
)

// patPrefixes are the documented token prefixes that mark a credential as a
// PAT (classic, fine-grained, or app-derived) which must be exchanged at the
// coordinator before use. Anything else is passed through as a registration
// token. This is the discriminator; classification is logged, never guessed
// silently.
var patPrefixes = []string{"ghp_", "github_pat_", "gho_", "ghu_", "ghs_"}

// ClassifyCredential determines the credential kind from token content.
func ClassifyCredential(content string) CredentialKind {
	for _, prefix := range patPrefixes {
		if strings.HasPrefix(content, prefix) {
			return CredentialPAT
		}
	}
	return CredentialRegistrationToken
}

// RegistrationToken is a short-lived credential authorizing one
// registration or re-registration action.
type RegistrationToken struct {
	Value      string
	Kind       CredentialKind
	ObtainedAt time.Time
}

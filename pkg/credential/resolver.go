// Package credential resolves runner registration tokens from token files.
package credential

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rzbill/runnerd/pkg/log"
	"github.com/rzbill/runnerd/pkg/types"
)

// DefaultMintTimeout bounds the remote token-mint call.
const DefaultMintTimeout = 30 * time.Second

// Minter exchanges a PAT for a short-lived registration token at the
// coordinator. Implemented by the GitHub REST client; stubbed in tests.
type Minter interface {
	MintRegistrationToken(ctx context.Context, runnerURL, pat string) (string, error)
}

// Resolver turns a token file into a usable registration token.
//
// The file content, not the path, determines the credential kind: a
// PAT-prefixed value is exchanged at the coordinator, anything else is passed
// through as an already-minted registration token. A passed-through token is
// valid for roughly an hour from its own mint time, not from read time; the
// resolver cannot refresh it.
type Resolver struct {
	minter  Minter
	logger  log.Logger
	timeout time.Duration
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithMinter sets the token minter.
func WithMinter(m Minter) ResolverOption {
	return func(r *Resolver) {
		r.minter = m
	}
}

// WithLogger sets the logger for the resolver.
func WithLogger(logger log.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger.WithComponent("credential")
	}
}

// WithMintTimeout bounds the remote mint call.
func WithMintTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.timeout = d
	}
}

// NewResolver creates a Resolver with the given options.
func NewResolver(options ...ResolverOption) *Resolver {
	r := &Resolver{
		minter:  &githubMinter{},
		logger:  log.NewLogger().WithComponent("credential"),
		timeout: DefaultMintTimeout,
	}
	for _, option := range options {
		option(r)
	}
	return r
}

// Classify reads the definition's token file and reports the credential kind
// without contacting the coordinator. The kind feeds the registration
// fingerprint: swapping a PAT for a raw registration token is drift.
func (r *Resolver) Classify(def *types.RunnerDefinition) (types.CredentialKind, error) {
	content, err := readTokenFile(def.TokenFile)
	if err != nil {
		return "", err
	}
	return types.ClassifyCredential(content), nil
}

// Resolve reads the definition's token file and returns a registration token.
// It is purely functional given the current file content; nothing is persisted.
func (r *Resolver) Resolve(ctx context.Context, def *types.RunnerDefinition) (*types.RegistrationToken, error) {
	content, err := readTokenFile(def.TokenFile)
	if err != nil {
		return nil, err
	}

	kind := types.ClassifyCredential(content)
	r.logger.Debug("Classified credential",
		log.Str("runner", def.EffectiveName()),
		log.Str("kind", string(kind)))

	if kind == types.CredentialRegistrationToken {
		return &types.RegistrationToken{
			Value:      content,
			Kind:       types.CredentialRegistrationToken,
			ObtainedAt: time.Now(),
		}, nil
	}

	mintCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	token, err := r.minter.MintRegistrationToken(mintCtx, def.URL, content)
	if err != nil {
		if types.IsCredentialError(err) {
			return nil, err
		}
		return nil, types.NewRemoteRejectedError(0,
			fmt.Sprintf("minting registration token for %s: %v", def.URL, err), err)
	}

	return &types.RegistrationToken{
		Value:      token,
		Kind:       types.CredentialPAT,
		ObtainedAt: time.Now(),
	}, nil
}

// readTokenFile reads exactly one line of secret material. A single trailing
// newline is trimmed; embedded newlines or empty content are malformed.
func readTokenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", types.NewMalformedCredentialError(fmt.Sprintf("reading token file %s: %v", path, err))
	}

	content := string(data)
	content = strings.TrimSuffix(content, "\n")
	content = strings.TrimSuffix(content, "\r")

	if content == "" {
		return "", types.NewMalformedCredentialError(fmt.Sprintf("token file %s is empty", path))
	}
	if strings.ContainsAny(content, "\r\n") {
		return "", types.NewMalformedCredentialError(fmt.Sprintf("token file %s contains embedded newlines", path))
	}
	return content, nil
}

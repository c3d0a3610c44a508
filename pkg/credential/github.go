package credential

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	ghAPI "github.com/cli/go-gh/v2/pkg/api"
	"github.com/rzbill/runnerd/pkg/types"
)

// githubMinter exchanges PATs for registration tokens against the GitHub REST
// API (github.com or a GHES host, taken from the runner URL).
type githubMinter struct{}

// MintRegistrationToken calls the coordinator's registration-token endpoint.
// HTTP failures surface as CredentialError with the status preserved; a 404
// commonly indicates a URL or token-scope mismatch and callers report it as such.
func (m *githubMinter) MintRegistrationToken(ctx context.Context, runnerURL, pat string) (string, error) {
	host, path, err := mintEndpoint(runnerURL)
	if err != nil {
		return "", types.NewMalformedCredentialError(err.Error())
	}

	client, err := ghAPI.NewRESTClient(ghAPI.ClientOptions{
		Host:      host,
		AuthToken: pat,
	})
	if err != nil {
		return "", fmt.Errorf("creating coordinator client: %w", err)
	}

	var response struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expires_at"`
	}

	done := make(chan error, 1)
	go func() {
		done <- client.Post(path, nil, &response)
	}()

	select {
	case <-ctx.Done():
		return "", types.NewRemoteRejectedError(0,
			fmt.Sprintf("token mint for %s timed out", runnerURL), ctx.Err())
	case err := <-done:
		if err != nil {
			var httpErr *ghAPI.HTTPError
			if errors.As(err, &httpErr) {
				return "", types.NewRemoteRejectedError(httpErr.StatusCode,
					fmt.Sprintf("coordinator rejected token mint for %s", runnerURL), err)
			}
			return "", types.NewRemoteRejectedError(0,
				fmt.Sprintf("token mint for %s failed", runnerURL), err)
		}
	}

	if response.Token == "" {
		return "", types.NewRemoteRejectedError(0,
			fmt.Sprintf("coordinator returned an empty token for %s", runnerURL), nil)
	}
	return response.Token, nil
}

// mintEndpoint maps a runner registration URL onto the REST path that mints
// registration tokens: one path segment is an organization, two a repository.
func mintEndpoint(runnerURL string) (host string, path string, err error) {
	parsed, err := url.Parse(runnerURL)
	if err != nil || parsed.Host == "" {
		return "", "", fmt.Errorf("invalid runner url %q", runnerURL)
	}

	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	switch {
	case len(segments) == 1 && segments[0] != "":
		return parsed.Host, fmt.Sprintf("orgs/%s/actions/runners/registration-token", segments[0]), nil
	case len(segments) == 2:
		return parsed.Host, fmt.Sprintf("repos/%s/%s/actions/runners/registration-token", segments[0], segments[1]), nil
	default:
		return "", "", fmt.Errorf("runner url %q is neither an organization nor a repository", runnerURL)
	}
}

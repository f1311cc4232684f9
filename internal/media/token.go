package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dialink/dialink/internal/core"
)

// HTTPTokenProvider fetches room access tokens from the relay's token
// endpoint. Each call returns a freshly minted credential.
type HTTPTokenProvider struct {
	endpoint string
	client   *http.Client
}

func NewHTTPTokenProvider(endpoint string) *HTTPTokenProvider {
	return &HTTPTokenProvider{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

type tokenRequest struct {
	ChannelName string `json:"channelName"`
	UID         string `json:"uid"`
	Role        string `json:"role"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

func (p *HTTPTokenProvider) Token(ctx context.Context, room core.CallID, id core.ParticipantID) (string, error) {
	body, err := json.Marshal(tokenRequest{
		ChannelName: string(room),
		UID:         string(id),
		Role:        "publisher",
	})
	if err != nil {
		return "", fmt.Errorf("marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var parsed tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if parsed.Token == "" {
		return "", errors.New("token endpoint returned empty token")
	}
	return parsed.Token, nil
}

package relay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultTokenTTL = 10 * time.Minute

// TokenIssuer mints short-lived HMAC-signed room access tokens. Clients
// fetch one per join; the media gateway verifies with the shared secret.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret string) *TokenIssuer {
	return &TokenIssuer{
		secret: []byte(secret),
		ttl:    defaultTokenTTL,
		now:    time.Now,
	}
}

type tokenClaims struct {
	Channel string `json:"channel"`
	UID     string `json:"uid"`
	Role    string `json:"role"`
	Exp     int64  `json:"exp"`
}

func (t *TokenIssuer) Mint(channel, uid, role string) (string, time.Time) {
	expires := t.now().Add(t.ttl)
	claims, _ := json.Marshal(tokenClaims{
		Channel: channel,
		UID:     uid,
		Role:    role,
		Exp:     expires.Unix(),
	})

	body := base64.RawURLEncoding.EncodeToString(claims)
	return body + "." + t.sign(body), expires
}

// Verify checks the signature and expiry and returns the claims.
func (t *TokenIssuer) Verify(token string) (*tokenClaims, bool) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return nil, false
	}
	if !hmac.Equal([]byte(t.sign(parts[0])), []byte(parts[1])) {
		return nil, false
	}

	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, false
	}
	claims := &tokenClaims{}
	if err := json.Unmarshal(raw, claims); err != nil {
		return nil, false
	}
	if t.now().Unix() >= claims.Exp {
		return nil, false
	}
	return claims, true
}

func (t *TokenIssuer) sign(body string) string {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

type tokenRequest struct {
	ChannelName string `json:"channelName"`
	UID         string `json:"uid"`
	Role        string `json:"role"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

// TokenHandler serves POST /api/rtc/token.
func TokenHandler(issuer *TokenIssuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := tokenRequest{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.ChannelName == "" || req.UID == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Role == "" {
			req.Role = "publisher"
		}

		token, expires := issuer.Mint(req.ChannelName, req.UID, req.Role)

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(tokenResponse{
			Token:     token,
			ExpiresAt: expires.Unix(),
		}); err != nil {
			log.Error().Err(err).Str("service", "relay").Msg("write token response")
		}
	}
}

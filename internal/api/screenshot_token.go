package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"
)

const defaultScreenshotLinkTTL = 15 * time.Minute

var errInvalidScreenshotToken = errors.New("invalid screenshot token")

type screenshotGrant struct {
	CheckID   string `json:"check_id"`
	ExpiresAt int64  `json:"exp"`
}

// screenshotSigner issues short-lived links that let a browser fetch one check's
// screenshot without the API key.
type screenshotSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func newScreenshotSigner(secret string, ttl time.Duration, now func() time.Time) screenshotSigner {
	if ttl <= 0 {
		ttl = defaultScreenshotLinkTTL
	}
	return screenshotSigner{secret: []byte(strings.TrimSpace(secret)), ttl: ttl, now: now}
}

func (s screenshotSigner) enabled() bool {
	return len(s.secret) > 0
}

func (s screenshotSigner) mac(encodedGrant string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(encodedGrant))
	return mac.Sum(nil)
}

func (s screenshotSigner) sign(checkID string, expiresAt time.Time) (string, error) {
	checkID = strings.TrimSpace(checkID)
	if !s.enabled() || checkID == "" {
		return "", errInvalidScreenshotToken
	}
	grant, err := json.Marshal(screenshotGrant{CheckID: checkID, ExpiresAt: expiresAt.UTC().Unix()})
	if err != nil {
		return "", err
	}
	encoded := base64.RawURLEncoding.EncodeToString(grant)
	return encoded + "." + base64.RawURLEncoding.EncodeToString(s.mac(encoded)), nil
}

// verify accepts token only for checkID and only until it expires.
func (s screenshotSigner) verify(token, checkID string) error {
	if !s.enabled() {
		return errInvalidScreenshotToken
	}
	encoded, signature, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok {
		return errInvalidScreenshotToken
	}
	mac, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil || !hmac.Equal(mac, s.mac(encoded)) {
		return errInvalidScreenshotToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return errInvalidScreenshotToken
	}
	var grant screenshotGrant
	if err := json.Unmarshal(raw, &grant); err != nil {
		return errInvalidScreenshotToken
	}
	if grant.CheckID == "" || grant.CheckID != checkID || grant.ExpiresAt < s.now().Unix() {
		return errInvalidScreenshotToken
	}
	return nil
}

// link returns the signed screenshot path for checkID, or "" when signing is off.
func (s screenshotSigner) link(checkID string) string {
	token, err := s.sign(checkID, s.now().Add(s.ttl))
	if err != nil {
		return ""
	}
	return "/screenshots/" + url.PathEscape(checkID) + "?token=" + token
}

package internal

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/mihaimyh/subsync/pkg/identity"
)

// SecretSource names where a webhook credential was found.
type SecretSource string

const (
	SourceNone          SecretSource = ""
	SourceQuery         SecretSource = "query"
	SourceSignature     SecretSource = "x-signature"
	SourceAuthorization SecretSource = "authorization"
)

// SecretExtractor pulls a candidate credential out of a request.
type SecretExtractor struct {
	Source  SecretSource
	Extract func(r *http.Request) string
}

// DefaultSecretExtractors are tried in order; the first non-empty value wins.
var DefaultSecretExtractors = []SecretExtractor{
	{Source: SourceQuery, Extract: func(r *http.Request) string {
		return strings.TrimSpace(r.URL.Query().Get("secret"))
	}},
	{Source: SourceSignature, Extract: func(r *http.Request) string {
		return strings.TrimSpace(r.Header.Get("X-Signature"))
	}},
	{Source: SourceAuthorization, Extract: authorizationSecret},
}

// SecretHint lists the accepted credential locations for 401 responses.
const SecretHint = "send the webhook secret as ?secret=, the X-Signature header, or the Authorization header"

// authorizationSecret reads the Authorization header unless it carries a user
// identity token, which belongs to a different caller class.
func authorizationSecret(r *http.Request) string {
	v := strings.TrimSpace(r.Header.Get("Authorization"))
	if v == "" || identity.LooksLikeJWT(v) {
		return ""
	}
	return identity.StripBearer(v)
}

// ExtractSecret runs extractors in order and returns the first non-empty value.
func ExtractSecret(r *http.Request, extractors []SecretExtractor) (string, SecretSource) {
	for _, e := range extractors {
		if v := e.Extract(r); v != "" {
			return v, e.Source
		}
	}
	return "", SourceNone
}

// VerifySecret compares presented with secret in constant time. With acceptHMAC,
// presented may instead be a base64 HMAC-SHA256 of body keyed by secret.
func VerifySecret(presented string, secret, body []byte, acceptHMAC bool) bool {
	if len(secret) == 0 || presented == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(presented), secret) == 1 {
		return true
	}
	if !acceptHMAC {
		return false
	}
	expected, err := base64.StdEncoding.DecodeString(presented)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(expected, mac.Sum(nil))
}

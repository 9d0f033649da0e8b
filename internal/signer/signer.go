// Package signer implements AWS Signature Version 4 header-based request
// authentication.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/skyferry/skyferry/internal/credentials"
)

// Signature constants.
const (
	Algorithm  = "AWS4-HMAC-SHA256"
	TimeFormat = "20060102T150405Z"
	terminator = "aws4_request"
)

// Header names set by the signer.
const (
	HeaderContentSHA256 = "X-Amz-Content-Sha256"
	HeaderDate          = "X-Amz-Date"
	HeaderSecurityToken = "X-Amz-Security-Token"
	HeaderAuthorization = "Authorization"
)

// Request is the part of an HTTP request that takes part in the signature.
// Path must be the escaped path as sent on the wire and Query the raw query
// string without the leading '?'. Header must include Host.
type Request struct {
	Method string
	Path   string
	Query  string
	Header http.Header
}

// Sign computes the signature for r and sets the x-amz-content-sha256,
// x-amz-date, x-amz-security-token (for session credentials) and
// Authorization headers. Every header present on r is signed.
// It returns the Authorization header value.
func Sign(
	r *Request,
	payloadHash string,
	t time.Time,
	region, service string,
	creds credentials.Credentials,
) string {
	timestamp := t.UTC().Format(TimeFormat)
	date := timestamp[:8]

	r.Header.Set(HeaderContentSHA256, payloadHash)
	r.Header.Set(HeaderDate, timestamp)
	if creds.SessionToken != "" {
		r.Header.Set(HeaderSecurityToken, creds.SessionToken)
	}
	r.Header.Del(HeaderAuthorization)

	canonicalHeaders, signedHeaders := CanonicalHeaders(r.Header)

	canonicalRequest := strings.Join([]string{
		r.Method,
		r.Path,
		CanonicalQuery(r.Query),
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")

	scope := date + "/" + region + "/" + service + "/" + terminator

	stringToSign := Algorithm + "\n" + timestamp + "\n" + scope + "\n" + hexSHA256(canonicalRequest)

	key := SigningKey(creds.SecretAccessKey, date, region, service)
	signature := hex.EncodeToString(hmacSHA256(key, stringToSign))

	authorization := Algorithm +
		" Credential=" + creds.AccessKey + "/" + scope +
		",SignedHeaders=" + signedHeaders +
		",Signature=" + signature

	r.Header.Set(HeaderAuthorization, authorization)

	return authorization
}

// CanonicalHeaders returns the canonical header block (each line
// "name:value\n", names lower-cased and sorted) and the semicolon-joined
// signed header list. Multiple values of one header are joined by commas.
func CanonicalHeaders(h http.Header) (canonical, signed string) {
	names := make([]string, 0, len(h))
	values := make(map[string]string, len(h))

	for name, vals := range h {
		lower := strings.ToLower(name)
		trimmed := make([]string, len(vals))
		for i, v := range vals {
			trimmed[i] = strings.TrimSpace(v)
		}
		if prev, ok := values[lower]; ok {
			values[lower] = prev + "," + strings.Join(trimmed, ",")
			continue
		}
		names = append(names, lower)
		values[lower] = strings.Join(trimmed, ",")
	}

	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(values[name])
		b.WriteByte('\n')
	}

	return b.String(), strings.Join(names, ";")
}

// CanonicalQuery sorts the '&' separated tokens of a raw query string and
// appends '=' to bare keys.
func CanonicalQuery(query string) string {
	if query == "" {
		return ""
	}

	tokens := strings.Split(query, "&")
	sort.Strings(tokens)

	for i, token := range tokens {
		if !strings.Contains(token, "=") {
			tokens[i] = token + "="
		}
	}

	return strings.Join(tokens, "&")
}

// SigningKey derives the per-day signing key.
func SigningKey(secret, date, region, service string) []byte {
	k := hmacSHA256([]byte("AWS4"+secret), date)
	k = hmacSHA256(k, region)
	k = hmacSHA256(k, service)
	return hmacSHA256(k, terminator)
}

// ServiceFromHost returns the first label of host, e.g. "s3" for
// "s3.eu-west-1.amazonaws.com". A port suffix is ignored.
func ServiceFromHost(host string) string {
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	if i := strings.IndexByte(host, '.'); i >= 0 {
		return host[:i]
	}
	return host
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func hexSHA256(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// Signer signs requests with the latest credentials of a provider.
// A Signer with a nil provider leaves requests unsigned.
type Signer struct {
	provider credentials.Provider
	region   string
	service  string
	now      func() time.Time
}

// Option configures a Signer.
type Option func(*Signer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		s.now = now
	}
}

// New creates a signer for one region and service.
func New(provider credentials.Provider, region, service string, opts ...Option) *Signer {
	s := &Signer{
		provider: provider,
		region:   region,
		service:  service,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Enabled reports whether the signer has a credentials provider.
func (s *Signer) Enabled() bool {
	return s != nil && s.provider != nil
}

// Sign signs r with the current time and credentials snapshot. It does
// nothing when the signer has no provider.
func (s *Signer) Sign(r *Request, payloadHash string) {
	if !s.Enabled() {
		return
	}

	Sign(r, payloadHash, s.now(), s.region, s.service, s.provider.Credentials())
}

package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrSignatureInvalid is returned when a signed URL was tampered with.
	ErrSignatureInvalid = errors.New("signature invalid")
	// ErrSignatureExpired is returned when a signed URL is past its deadline.
	ErrSignatureExpired = errors.New("signature expired")
)

// URLSigner mints and verifies local signed URLs of the form
// {baseURL}/{key}?expires={epochMs}&sig={hmac}[&disposition=..][&filename=..].
type URLSigner struct {
	baseURL string
	secret  []byte
}

func NewURLSigner(baseURL, secret string) *URLSigner {
	return &URLSigner{baseURL: strings.TrimRight(baseURL, "/"), secret: []byte(secret)}
}

// Sign returns the URL for key valid until expiresAt.
func (s *URLSigner) Sign(key string, expiresAt time.Time, disposition, fileName string) string {
	exp := strconv.FormatInt(expiresAt.UnixMilli(), 10)
	q := url.Values{}
	q.Set("expires", exp)
	q.Set("sig", s.mac(key, exp, disposition, fileName))
	if disposition != "" {
		q.Set("disposition", disposition)
	}
	if fileName != "" {
		q.Set("filename", fileName)
	}
	return s.baseURL + "/" + escapeKey(key) + "?" + q.Encode()
}

// Verify checks the signature in q for key and that it has not expired at now.
func (s *URLSigner) Verify(key string, q url.Values, now time.Time) error {
	exp := q.Get("expires")
	sig := q.Get("sig")
	if exp == "" || sig == "" {
		return ErrSignatureInvalid
	}
	want := s.mac(key, exp, q.Get("disposition"), q.Get("filename"))
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return ErrSignatureInvalid
	}
	ms, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return ErrSignatureInvalid
	}
	if now.UnixMilli() > ms {
		return ErrSignatureExpired
	}
	return nil
}

func (s *URLSigner) mac(key, exp, disposition, fileName string) string {
	m := hmac.New(sha256.New, s.secret)
	m.Write([]byte(key))
	m.Write([]byte{'|'})
	m.Write([]byte(exp))
	m.Write([]byte{'|'})
	m.Write([]byte(disposition))
	m.Write([]byte{'|'})
	m.Write([]byte(fileName))
	return hex.EncodeToString(m.Sum(nil))
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

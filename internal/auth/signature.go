// Package auth computes the request signatures and identifiers the vendor
// gateways expect. Both the realtime recognizer handshake and the voiceprint
// REST calls sign a canonical query string with HMAC-SHA1.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Credentials identifies the caller to a signing vendor.
type Credentials struct {
	AppID           string
	AccessKeyID     string
	AccessKeySecret string
}

// Sign builds the canonical string for params and returns the Base64-encoded
// HMAC-SHA1 digest under secret. The canonical form sorts keys ascending and
// percent-encodes each key and value; the signature parameter itself must not
// be present in params.
func Sign(params map[string]string, secret string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(encodeComponent(k))
		b.WriteByte('=')
		b.WriteString(encodeComponent(params[k]))
	}

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// encodeComponent percent-encodes s the way JavaScript's encodeURIComponent
// does: everything except ASCII letters, digits and - _ . ! ~ * ' ( ) is
// escaped as uppercase-hex UTF-8 octets. The gateways verify signatures
// against exactly this alphabet, so url.QueryEscape (which differs on space,
// '!', '*', quote and '~') cannot be used here.
func encodeComponent(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == '-' || c == '_' || c == '.' || c == '!' || c == '~' ||
			c == '*' || c == '\'' || c == '(' || c == ')':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// Timestamp formats t in the vendor's handshake form: local wall-clock time
// with a zone offset and no colon, e.g. "2024-03-01T09:30:00+0800".
func Timestamp(t time.Time) string {
	return t.Format("2006-01-02T15:04:05-0700")
}

// DateTime formats t for the voiceprint REST query, e.g.
// "2024-03-01T09:30:00+0800". Same shape as Timestamp; kept separate so the
// two call sites can diverge if a vendor revises one of them.
func DateTime(t time.Time) string {
	return Timestamp(t)
}

// HexID returns a 32-character lowercase hex identifier, used for the
// transcription task and message ids.
func HexID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand only fails when the platform entropy source is
		// broken; fall back to a UUID which has its own retry behavior.
		return strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return hex.EncodeToString(buf[:])
}

// NonceUUID returns a random UUIDv4 string for handshake nonce parameters.
func NonceUUID() string {
	return uuid.NewString()
}

const alnum = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandomAlnum returns n random alphanumeric characters, used for the
// voiceprint signatureRandom parameter.
func RandomAlnum(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// Same degraded path as HexID.
		id := strings.ReplaceAll(uuid.NewString(), "-", "")
		for len(id) < n {
			id += id
		}
		return id[:n]
	}
	for i, b := range buf {
		buf[i] = alnum[int(b)%len(alnum)]
	}
	return string(buf)
}

package tydom

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// Handshake errors.
var (
	ErrMissingChallenge = fmt.Errorf("no www-authenticate challenge in response")
	ErrInvalidChallenge = fmt.Errorf("invalid digest challenge")
)

// UnsupportedAlgorithmError is returned when the challenge requests a digest
// algorithm other than MD5.
type UnsupportedAlgorithmError struct {
	Algorithm string
}

func (e *UnsupportedAlgorithmError) Error() string {
	return fmt.Sprintf("unsupported digest algorithm %q", e.Algorithm)
}

// UnsupportedQopError is returned when the challenge does not offer qop=auth.
type UnsupportedQopError struct {
	Qop string
}

func (e *UnsupportedQopError) Error() string {
	return fmt.Sprintf("unsupported digest qop %q", e.Qop)
}

// DigestChallenge is a parsed WWW-Authenticate: Digest challenge.
type DigestChallenge struct {
	Realm     string
	Nonce     string
	Qop       string
	Opaque    string
	Algorithm string
}

// ParseDigestChallenge parses the value of a WWW-Authenticate header.
// The gateway emits `Digest key=value, key="quoted \"value\"", ...`.
func ParseDigestChallenge(header string) (*DigestChallenge, error) {
	scheme, params, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Digest") {
		return nil, fmt.Errorf("%w: not a Digest scheme in %q", ErrInvalidChallenge, header)
	}

	c := &DigestChallenge{}
	for len(params) > 0 {
		var pair string
		pair, params = cutChallengePair(params)
		key, value, found := strings.Cut(pair, "=")
		if !found {
			return nil, fmt.Errorf("%w: malformed pair %q", ErrInvalidChallenge, pair)
		}
		value = unquoteChallengeValue(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "realm":
			c.Realm = value
		case "nonce":
			c.Nonce = value
		case "qop":
			c.Qop = value
		case "opaque":
			c.Opaque = value
		case "algorithm":
			c.Algorithm = value
		}
	}

	if c.Realm == "" || c.Nonce == "" {
		return nil, fmt.Errorf("%w: missing realm or nonce", ErrInvalidChallenge)
	}
	return c, nil
}

// cutChallengePair splits off the next comma-separated key=value pair,
// respecting quoted values containing commas.
func cutChallengePair(s string) (pair, rest string) {
	inQuotes := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if inQuotes {
				i++ // skip escaped char
			}
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				return strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+1:])
			}
		}
	}
	return strings.TrimSpace(s), ""
}

func unquoteChallengeValue(v string) string {
	v = strings.TrimSpace(v)
	if len(v) < 2 || v[0] != '"' || v[len(v)-1] != '"' {
		return v
	}
	inner := v[1 : len(v)-1]
	var b strings.Builder
	for i := 0; i < len(inner); i++ {
		if inner[i] == '\\' && i+1 < len(inner) {
			i++
		}
		b.WriteByte(inner[i])
	}
	return b.String()
}

// RandomBytes produces n random bytes. Injected into Authorization so tests
// can pin the cnonce.
type RandomBytes func(n int) ([]byte, error)

func cryptoRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Authorization computes the Authorization header for the challenge using
// MD5 with qop=auth. The algorithm dispatch lives in digestHash so a SHA-256
// variant only needs one more case.
func (c *DigestChallenge) Authorization(username, password, method, uri string, random RandomBytes) (string, error) {
	hash, err := digestHash(c.Algorithm)
	if err != nil {
		return "", err
	}
	if !qopOffersAuth(c.Qop) {
		return "", &UnsupportedQopError{Qop: c.Qop}
	}
	if random == nil {
		random = cryptoRandomBytes
	}

	raw, err := random(16)
	if err != nil {
		return "", fmt.Errorf("generate cnonce: %w", err)
	}
	cnonce := hex.EncodeToString(raw)
	const nc = "00000001"

	ha1 := hash(fmt.Sprintf("%s:%s:%s", username, c.Realm, password))
	ha2 := hash(fmt.Sprintf("%s:%s", method, uri))
	response := hash(fmt.Sprintf("%s:%s:%s:%s:auth:%s", ha1, c.Nonce, nc, cnonce, ha2))

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username="%s", realm="%s", nonce="%s", uri="%s", qop=auth, nc=%s, cnonce="%s", response="%s"`,
		username, c.Realm, c.Nonce, uri, nc, cnonce, response)
	if c.Opaque != "" {
		fmt.Fprintf(&b, `, opaque="%s"`, c.Opaque)
	}
	if c.Algorithm != "" {
		fmt.Fprintf(&b, `, algorithm=%s`, c.Algorithm)
	}
	return b.String(), nil
}

func digestHash(algorithm string) (func(string) string, error) {
	switch algorithm {
	case "", "MD5":
		return func(s string) string {
			sum := md5.Sum([]byte(s))
			return hex.EncodeToString(sum[:])
		}, nil
	default:
		return nil, &UnsupportedAlgorithmError{Algorithm: algorithm}
	}
}

func qopOffersAuth(qop string) bool {
	for _, q := range strings.Split(qop, ",") {
		if strings.TrimSpace(q) == "auth" {
			return true
		}
	}
	return false
}

package event

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/small-thinking/taotie/errors"
)

// FingerprintContent returns the hex SHA-256 digest of the given parts joined
// with a separator. Used by adapters whose content has a natural stable
// identity (a repo name, an arXiv ID).
func FingerprintContent(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0x1f}) // unit separator, keeps ("a","bc") != ("ab","c")
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// FingerprintURL canonicalizes a URL and fingerprints the result, so that
// trivially different spellings of the same address dedup together:
// scheme and host are lowercased, default ports and fragments dropped,
// trailing slashes trimmed.
func FingerprintURL(raw string) (string, error) {
	canonical, err := CanonicalURL(raw)
	if err != nil {
		return "", err
	}
	return FingerprintContent(canonical), nil
}

// CanonicalURL returns the canonical form of a URL used for fingerprinting
func CanonicalURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", errors.WrapInvalid(err, "Fingerprint", "CanonicalURL", "parse url")
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errors.WrapInvalid(errors.ErrInvalidData, "Fingerprint", "CanonicalURL", "url must be absolute")
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	// Drop default ports
	switch {
	case u.Scheme == "http" && strings.HasSuffix(u.Host, ":80"):
		u.Host = strings.TrimSuffix(u.Host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(u.Host, ":443"):
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Path = strings.TrimRight(u.Path, "/")

	return u.String(), nil
}

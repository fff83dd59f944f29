package auth

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Format names the shape of a stored credential record.
type Format string

const (
	FormatUnknown      Format = ""
	FormatPBKDF2       Format = "pbkdf2"
	FormatSaltedPair   Format = "salt_hash"
	FormatHexDigest    Format = "hex_digest"
	FormatBase64Digest Format = "base64_digest"
	FormatPlaintext    Format = "plaintext"
)

const (
	// legacyPairIterations is the fixed work factor of salt:hash records.
	legacyPairIterations = 10000
	maxStoredIterations  = 5_000_000
)

// Verification is the outcome of checking a plaintext against a stored record.
type Verification struct {
	Valid        bool
	NeedsUpgrade bool
	Format       Format
}

// credentialMatcher recognizes one stored record format. detect looks only at
// the shape of the record; the first matcher that detects owns the decision.
type credentialMatcher interface {
	format() Format
	detect(stored string) bool
	verify(plaintext, stored string) bool
}

var matchers = []credentialMatcher{
	pbkdf2Matcher{},
	saltedPairMatcher{},
	hexDigestMatcher{},
	base64DigestMatcher{},
	plaintextMatcher{},
}

// VerifyCredential checks plaintext against a stored record in any supported
// format. Anything other than the structured PBKDF2 format reports NeedsUpgrade
// on success. Malformed records fail closed.
func VerifyCredential(plaintext, stored string) Verification {
	if stored == "" {
		return Verification{}
	}
	for _, m := range matchers {
		if !m.detect(stored) {
			continue
		}
		if !m.verify(plaintext, stored) {
			return Verification{Format: m.format()}
		}
		return Verification{
			Valid:        true,
			NeedsUpgrade: m.format() != FormatPBKDF2,
			Format:       m.format(),
		}
	}
	return Verification{}
}

// pbkdf2_sha512$210000$<salt>$<key>
type pbkdf2Matcher struct{}

func (pbkdf2Matcher) format() Format { return FormatPBKDF2 }

func (pbkdf2Matcher) detect(stored string) bool {
	return strings.HasPrefix(stored, "pbkdf2_")
}

func (pbkdf2Matcher) verify(plaintext, stored string) bool {
	parts := strings.Split(stored, "$")
	if len(parts) != 4 {
		return false
	}
	newHash, ok := pbkdf2Digests[parts[0]]
	if !ok {
		return false
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 || iterations > maxStoredIterations {
		return false
	}
	salt, err := decodeB64(parts[2])
	if err != nil || len(salt) == 0 {
		return false
	}
	want, err := decodeB64(parts[3])
	if err != nil || len(want) == 0 {
		return false
	}
	got := pbkdf2.Key([]byte(plaintext), salt, iterations, len(want), newHash)
	return subtle.ConstantTimeCompare(got, want) == 1
}

var pbkdf2Digests = map[string]func() hash.Hash{
	"pbkdf2_sha256": sha256.New,
	"pbkdf2_sha512": sha512.New,
}

// <salt>:<hex key>, PBKDF2-HMAC-SHA512 over the salt text as stored.
type saltedPairMatcher struct{}

func (saltedPairMatcher) format() Format { return FormatSaltedPair }

func (saltedPairMatcher) detect(stored string) bool {
	return strings.Contains(stored, ":")
}

func (saltedPairMatcher) verify(plaintext, stored string) bool {
	parts := strings.Split(stored, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return false
	}
	if _, err := hex.DecodeString(parts[0]); err != nil {
		return false
	}
	want, err := hex.DecodeString(parts[1])
	if err != nil || len(want) == 0 {
		return false
	}
	got := pbkdf2.Key([]byte(plaintext), []byte(parts[0]), legacyPairIterations, len(want), sha512.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// Unsalted hex digest: 64 chars is SHA-256, 128 chars is SHA-512.
type hexDigestMatcher struct{}

func (hexDigestMatcher) format() Format { return FormatHexDigest }

func (hexDigestMatcher) detect(stored string) bool {
	if len(stored) != sha256.Size*2 && len(stored) != sha512.Size*2 {
		return false
	}
	_, err := hex.DecodeString(stored)
	return err == nil
}

func (hexDigestMatcher) verify(plaintext, stored string) bool {
	want, err := hex.DecodeString(stored)
	if err != nil {
		return false
	}
	var got []byte
	switch len(want) {
	case sha256.Size:
		sum := sha256.Sum256([]byte(plaintext))
		got = sum[:]
	case sha512.Size:
		sum := sha512.Sum512([]byte(plaintext))
		got = sum[:]
	default:
		return false
	}
	return subtle.ConstantTimeCompare(got, want) == 1
}

// Standard base64 of a single SHA-256 round.
type base64DigestMatcher struct{}

func (base64DigestMatcher) format() Format { return FormatBase64Digest }

func (base64DigestMatcher) detect(stored string) bool {
	raw, err := base64.StdEncoding.DecodeString(stored)
	return err == nil && len(raw) == sha256.Size
}

func (base64DigestMatcher) verify(plaintext, stored string) bool {
	want, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return false
	}
	sum := sha256.Sum256([]byte(plaintext))
	return subtle.ConstantTimeCompare(sum[:], want) == 1
}

type plaintextMatcher struct{}

func (plaintextMatcher) format() Format { return FormatPlaintext }

func (plaintextMatcher) detect(stored string) bool { return stored != "" }

func (plaintextMatcher) verify(plaintext, stored string) bool {
	// Compare digests so the comparison time does not depend on length.
	a := sha256.Sum256([]byte(plaintext))
	b := sha256.Sum256([]byte(stored))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

func decodeB64(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

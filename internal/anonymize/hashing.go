package anonymize

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"unicode/utf8"

	"github.com/zeebo/blake3"
)

// Hash algorithms accepted by the hashing technique
const (
	AlgorithmSHA256 = "SHA256"
	AlgorithmSHA1   = "SHA1"
	AlgorithmMD5    = "MD5"
	AlgorithmBLAKE3 = "BLAKE3"
)

// Hasher replaces values with a salted, hex encoded digest. It keeps no
// state: the same value, salt and algorithm always give the same digest.
type Hasher struct {
	base
}

// NewHasher creates a hashing technique whose algorithm defaults to defaultAlgorithm
func NewHasher(id, defaultAlgorithm string) *Hasher {
	h := &Hasher{}
	h.meta = Metadata{
		ID:          id,
		Name:        "Hashing (" + defaultAlgorithm + ")",
		Category:    "hashing",
		Description: "One-way salted digest of each value, hex encoded.",
		Parameters: []Parameter{
			choiceParam("algorithm", defaultAlgorithm,
				[]string{AlgorithmSHA256, AlgorithmSHA1, AlgorithmMD5, AlgorithmBLAKE3},
				"Digest algorithm"),
			stringParam("salt", "", "Appended to the value before hashing"),
			boolParam("preserveLength", false, "Truncate the digest to the input length"),
		},
		RiskLevel:     RiskLow,
		Reversible:    false,
		Deterministic: true,
		Compliance:    []string{"GDPR", "HIPAA", "CCPA"},
	}
	return h
}

func (h *Hasher) Anonymize(values []string, params Params) ([]string, error) {
	r, err := h.resolve(params)
	if err != nil {
		return nil, err
	}

	algorithm := r.String("algorithm")
	salt := r.String("salt")
	preserve := r.Bool("preserveLength")

	out := make([]string, len(values))
	for i, v := range values {
		digest := hashHex(algorithm, v+salt)
		if n := utf8.RuneCountInString(v); preserve && len(digest) > n {
			digest = digest[:n]
		}
		out[i] = digest
	}
	return out, nil
}

// DigestLength returns the hex length of a digest for algorithm
func DigestLength(algorithm string) int {
	switch algorithm {
	case AlgorithmSHA1:
		return sha1.Size * 2
	case AlgorithmMD5:
		return md5.Size * 2
	default:
		return sha256.Size * 2
	}
}

func hashHex(algorithm, s string) string {
	b := []byte(s)
	switch algorithm {
	case AlgorithmSHA1:
		sum := sha1.Sum(b)
		return hex.EncodeToString(sum[:])
	case AlgorithmMD5:
		sum := md5.Sum(b)
		return hex.EncodeToString(sum[:])
	case AlgorithmBLAKE3:
		sum := blake3.Sum256(b)
		return hex.EncodeToString(sum[:])
	default:
		sum := sha256.Sum256(b)
		return hex.EncodeToString(sum[:])
	}
}

package anonymize

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// Pseudonym types accepted by the pseudonymization technique
const (
	PseudonymIdentifier = "identifier"
	PseudonymName       = "name"
	PseudonymEmail      = "email"
	PseudonymUsername   = "username"
)

const pseudonymKeyContext = "anonymizer 2024-01 pseudonymization key"

// Pseudonymizer replaces values with stable pseudonyms derived from a keyed
// BLAKE3 hash of the value. Each issued pseudonym is recorded so it can be
// re-identified by the instance that issued it.
type Pseudonymizer struct {
	base
	table  *mappingTable
	secret string
}

// NewPseudonymizer creates the pseudonymization technique. secret is the
// default key material; callers may override it with the secret parameter.
func NewPseudonymizer(id, secret string) *Pseudonymizer {
	p := &Pseudonymizer{table: newMappingTable(), secret: secret}
	p.meta = Metadata{
		ID:          id,
		Name:        "Pseudonymization",
		Category:    "pseudonymization",
		Description: "Keyed, deterministic replacement with realistic pseudonyms; reversible only through the issuing instance.",
		Parameters: []Parameter{
			choiceParam("pseudonymType", PseudonymIdentifier,
				[]string{PseudonymIdentifier, PseudonymName, PseudonymEmail, PseudonymUsername},
				"Shape of the generated pseudonym"),
			stringParam("prefix", "PSN-", "Prefix for identifier pseudonyms"),
			stringParam("domain", "example.org", "Domain for email pseudonyms"),
			stringParam("secret", "", "Key material; empty uses the configured secret"),
		},
		RiskLevel:     RiskMedium,
		Reversible:    true,
		Deterministic: true,
		Compliance:    []string{"GDPR"},
	}
	p.check = func(r resolved) error {
		if strings.ContainsAny(r.String("domain"), "@ ") {
			return invalidParam("domain", "must be a bare domain name")
		}
		return nil
	}
	return p
}

func (p *Pseudonymizer) Anonymize(values []string, params Params) ([]string, error) {
	r, err := p.resolve(params)
	if err != nil {
		return nil, err
	}

	secret := r.String("secret")
	if secret == "" {
		secret = p.secret
	}
	var key [32]byte
	blake3.DeriveKey(pseudonymKeyContext, []byte(secret), key[:])
	scope := pseudonymScope(r, key[:])

	out := make([]string, len(values))
	for i, v := range values {
		value := v
		out[i], err = p.table.getOrCreate(scope, value, func(attempt int) (string, error) {
			sum, err := keyedSum(key[:], value, attempt)
			if err != nil {
				return "", err
			}
			return p.format(r, sum, attempt), nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Reidentify returns the original value behind a pseudonym issued by this instance
func (p *Pseudonymizer) Reidentify(pseudonym string) (string, bool) {
	return p.table.lookupReverse(pseudonym)
}

// MappingSize reports how many values hold a pseudonym
func (p *Pseudonymizer) MappingSize() int {
	return p.table.len()
}

// Reset forgets every issued pseudonym
func (p *Pseudonymizer) Reset() {
	p.table.reset()
}

func (p *Pseudonymizer) format(r resolved, sum []byte, attempt int) string {
	first := firstNames[int(binary.BigEndian.Uint16(sum[0:2]))%len(firstNames)]
	last := lastNames[int(binary.BigEndian.Uint16(sum[2:4]))%len(lastNames)]
	suffix := binary.BigEndian.Uint16(sum[4:6]) % 1000

	switch r.String("pseudonymType") {
	case PseudonymName:
		// the name space is small; widen it once plain names start colliding
		if attempt >= 4 {
			return fmt.Sprintf("%s %s %d", first, last, suffix)
		}
		return first + " " + last
	case PseudonymEmail:
		return fmt.Sprintf("%s.%s%03d@%s", strings.ToLower(first), strings.ToLower(last), suffix, r.String("domain"))
	case PseudonymUsername:
		return fmt.Sprintf("%s_%s%03d", strings.ToLower(first), strings.ToLower(last[:1]), suffix)
	default:
		return r.String("prefix") + strings.ToUpper(hex.EncodeToString(sum[:6]))
	}
}

// pseudonymScope fingerprints everything that shapes a pseudonym. The key
// enters only as a hash so the table never holds key material.
func pseudonymScope(r resolved, key []byte) string {
	fp := blake3.Sum256(key)
	return strings.Join([]string{
		r.String("pseudonymType"),
		r.String("prefix"),
		r.String("domain"),
		hex.EncodeToString(fp[:8]),
	}, "|")
}

func keyedSum(key []byte, value string, attempt int) ([]byte, error) {
	h, err := blake3.NewKeyed(key)
	if err != nil {
		return nil, fmt.Errorf("%w: keyed hash: %v", ErrTransformFailure, err)
	}
	h.Write([]byte(value))
	if attempt > 0 {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(attempt))
		h.Write(buf[:])
	}
	return h.Sum(nil), nil
}

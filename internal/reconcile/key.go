// Package reconcile merges freshly scraped transactions into an account's
// append-only ledger: page overlap removal, order normalization, content
// keys, renewal chains and the balance integrity check.
package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/ledger-sync/internal/model"
)

const keySep = "\x1f"

// KeyQuality describes how trustworthy a computed key is for deduplication.
type KeyQuality int

const (
	// KeyOK means the key carries enough content to tell twins apart.
	KeyOK KeyQuality = iota
	// KeyUnderDisambiguated means the record has no running balance, no
	// disambiguator and no native id: same-day same-amount twins collide.
	KeyUnderDisambiguated
	// KeySynthetic means a required field was missing and a random suffix
	// was added. The record will never deduplicate against a later run.
	KeySynthetic
)

func (q KeyQuality) String() string {
	switch q {
	case KeyOK:
		return "ok"
	case KeyUnderDisambiguated:
		return "under_disambiguated"
	case KeySynthetic:
		return "synthetic"
	default:
		return "unknown"
	}
}

// ComputeKey returns the deterministic content key of tx for an account.
// currency is used when the record does not carry its own.
func ComputeKey(tx model.ParsedTransaction, discriminator, currency string) model.Key {
	cur := tx.Currency
	if cur == "" {
		cur = currency
	}
	places := CurrencyPlaces(cur)

	balance := "-"
	if tx.RunningBalance != nil {
		balance = tx.RunningBalance.Round(places).StringFixed(places)
	}

	canonical := strings.Join([]string{
		discriminator,
		canonicalDate(tx.OperationDate),
		canonicalDate(tx.ValueDate),
		CanonicalDescription(tx.Description),
		tx.Amount.Round(places).StringFixed(places),
		balance,
		strings.TrimSpace(tx.Disambiguator),
		strings.TrimSpace(tx.NativeID),
	}, keySep)

	sum := sha256.Sum256([]byte(canonical))
	return model.Key(hex.EncodeToString(sum[:]))
}

// CanonicalDescription NFC-normalizes s and collapses runs of whitespace.
func CanonicalDescription(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

// CurrencyPlaces returns the minor-unit precision of an ISO 4217 code.
func CurrencyPlaces(currency string) int32 {
	switch strings.ToUpper(currency) {
	case "JPY", "KRW", "ISK", "CLP", "VND", "XOF", "XAF", "PYG", "UGX":
		return 0
	case "BHD", "KWD", "OMR", "JOD", "TND", "LYD", "IQD":
		return 3
	default:
		return 2
	}
}

func canonicalDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("20060102")
}

// Keyer computes keys for the records of a single account.
type Keyer struct {
	discriminator string
	currency      string
	suffix        func() string
}

// NewKeyer creates a Keyer for one account.
func NewKeyer(discriminator, currency string) *Keyer {
	return &Keyer{
		discriminator: discriminator,
		currency:      currency,
		suffix:        uuid.NewString,
	}
}

// Stable returns the deterministic key of tx. ok is false when tx is missing
// required content, in which case the key must not be trusted for equality.
func (k *Keyer) Stable(tx model.ParsedTransaction) (model.Key, bool) {
	return ComputeKey(tx, k.discriminator, k.currency), !missingRequired(tx)
}

// Key returns the key to persist for tx. Records missing required content
// get a random disambiguator so they are kept rather than dropped.
func (k *Keyer) Key(tx model.ParsedTransaction) (model.Key, KeyQuality) {
	if missingRequired(tx) {
		tx.Disambiguator = "synthetic:" + k.suffix()
		return ComputeKey(tx, k.discriminator, k.currency), KeySynthetic
	}
	key := ComputeKey(tx, k.discriminator, k.currency)
	if tx.RunningBalance == nil && strings.TrimSpace(tx.Disambiguator) == "" && strings.TrimSpace(tx.NativeID) == "" {
		return key, KeyUnderDisambiguated
	}
	return key, KeyOK
}

func missingRequired(tx model.ParsedTransaction) bool {
	return tx.OperationDate.IsZero()
}

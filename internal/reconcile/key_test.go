package reconcile

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/sells-group/ledger-sync/internal/model"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decp(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func tx(date, amount, balance string) model.ParsedTransaction {
	t := model.ParsedTransaction{
		OperationDate: day(date),
		ValueDate:     day(date),
		Description:   "payment " + amount,
		Amount:        dec(amount),
	}
	if balance != "" {
		t.RunningBalance = decp(balance)
	}
	return t
}

func TestComputeKey_Deterministic(t *testing.T) {
	a := tx("2024-01-02", "-10", "90")
	b := tx("2024-01-02", "-10", "90")
	assert.Equal(t, ComputeKey(a, "bank/1", "EUR"), ComputeKey(b, "bank/1", "EUR"))
	assert.Len(t, string(ComputeKey(a, "bank/1", "EUR")), 64)
}

func TestComputeKey_Normalization(t *testing.T) {
	a := tx("2024-01-02", "-10", "90")
	b := a
	b.Description = "  payment   -10 \t"
	b.Amount = dec("-10.000")
	assert.Equal(t, ComputeKey(a, "bank/1", "EUR"), ComputeKey(b, "bank/1", "EUR"))

	// Decomposed and composed forms of the same text hash identically.
	c := a
	c.Description = "caf\u00e9"
	d := a
	d.Description = "cafe\u0301"
	assert.Equal(t, ComputeKey(c, "bank/1", "EUR"), ComputeKey(d, "bank/1", "EUR"))
}

func TestComputeKey_Distinguishes(t *testing.T) {
	base := tx("2024-01-02", "-10", "90")
	baseKey := ComputeKey(base, "bank/1", "EUR")

	tests := []struct {
		name   string
		mutate func(*model.ParsedTransaction)
		disc   string
	}{
		{"account", func(*model.ParsedTransaction) {}, "bank/2"},
		{"date", func(p *model.ParsedTransaction) { p.OperationDate = day("2024-01-03") }, "bank/1"},
		{"value date", func(p *model.ParsedTransaction) { p.ValueDate = day("2024-01-05") }, "bank/1"},
		{"amount", func(p *model.ParsedTransaction) { p.Amount = dec("-10.01") }, "bank/1"},
		{"balance", func(p *model.ParsedTransaction) { p.RunningBalance = decp("80") }, "bank/1"},
		{"no balance", func(p *model.ParsedTransaction) { p.RunningBalance = nil }, "bank/1"},
		{"disambiguator", func(p *model.ParsedTransaction) { p.Disambiguator = "2" }, "bank/1"},
		{"native id", func(p *model.ParsedTransaction) { p.NativeID = "REF-9" }, "bank/1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			other := base
			tt.mutate(&other)
			assert.NotEqual(t, baseKey, ComputeKey(other, tt.disc, "EUR"))
		})
	}
}

func TestComputeKey_CurrencyPrecision(t *testing.T) {
	a := tx("2024-01-02", "100.4", "")
	b := tx("2024-01-02", "100", "")
	b.Description = a.Description
	assert.Equal(t, ComputeKey(a, "bank/1", "JPY"), ComputeKey(b, "bank/1", "JPY"))
	assert.NotEqual(t, ComputeKey(a, "bank/1", "EUR"), ComputeKey(b, "bank/1", "EUR"))

	assert.Equal(t, int32(3), CurrencyPlaces("kwd"))
	assert.Equal(t, int32(2), CurrencyPlaces(""))
}

func TestKeyer_Quality(t *testing.T) {
	k := NewKeyer("bank/1", "EUR")

	_, q := k.Key(tx("2024-01-02", "-10", "90"))
	assert.Equal(t, KeyOK, q)

	_, q = k.Key(tx("2024-01-02", "-10", ""))
	assert.Equal(t, KeyUnderDisambiguated, q)

	withRef := tx("2024-01-02", "-10", "")
	withRef.NativeID = "A1"
	_, q = k.Key(withRef)
	assert.Equal(t, KeyOK, q)
}

func TestKeyer_SyntheticNeverRepeats(t *testing.T) {
	k := NewKeyer("bank/1", "EUR")
	missing := model.ParsedTransaction{Description: "no date", Amount: dec("5")}

	k1, q1 := k.Key(missing)
	k2, q2 := k.Key(missing)
	assert.Equal(t, KeySynthetic, q1)
	assert.Equal(t, KeySynthetic, q2)
	assert.NotEqual(t, k1, k2)

	_, ok := k.Stable(missing)
	assert.False(t, ok)
}

func TestKeyQuality_String(t *testing.T) {
	assert.Equal(t, "ok", KeyOK.String())
	assert.Equal(t, "synthetic", KeySynthetic.String())
	assert.Equal(t, "under_disambiguated", KeyUnderDisambiguated.String())
	assert.Equal(t, "unknown", KeyQuality(9).String())
}

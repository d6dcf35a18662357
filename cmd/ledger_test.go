package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/sells-group/ledger-sync/internal/model"
)

func ledgerFixture() (model.Account, []model.TransactionRecord) {
	day := func(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }
	dec := decimal.RequireFromString
	renews := int64(2)
	acct := model.Account{ID: 1, OpeningBalance: dec("0"), Balance: dec("90")}
	rows := []model.TransactionRecord{
		{ID: 1, OperationDate: day(1), Description: "salary", Amount: dec("100")},
		{ID: 2, OperationDate: day(2), Description: "CARD 1234", Amount: dec("-10")},
		{ID: 3, OperationDate: day(2), Description: "Card payment, Coffee", Amount: dec("-10"), RenewsID: &renews},
	}
	return acct, rows
}

func TestFormatLedger_HidesSuperseded(t *testing.T) {
	acct, rows := ledgerFixture()

	var buf bytes.Buffer
	formatLedger(&buf, acct, rows, false)
	out := buf.String()

	assert.Contains(t, out, "salary")
	assert.Contains(t, out, "Card payment, Coffee")
	assert.NotContains(t, out, "CARD 1234")
	assert.Contains(t, out, "3 -> 2")
	assert.Contains(t, out, "ledger = 90; scraped balance 90")
	assert.NotContains(t, out, "INTEGRITY ERROR")
}

func TestFormatLedger_AllAndIntegrity(t *testing.T) {
	acct, rows := ledgerFixture()
	acct.IntegrityError = true
	acct.IntegrityDelta = decimal.RequireFromString("-5")

	var buf bytes.Buffer
	formatLedger(&buf, acct, rows, true)
	out := buf.String()

	assert.Contains(t, out, "CARD 1234")
	assert.Equal(t, 2, strings.Count(out, "3 -> 2"))
	assert.Contains(t, out, "INTEGRITY ERROR, delta -5")
}

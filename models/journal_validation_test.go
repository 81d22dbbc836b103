package models

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestJournalEntryValidation(t *testing.T) {
	base := func() *newJournalEntry {
		return &newJournalEntry{
			TransactionDate: time.Now(),
			Description:     "test entry",
			Lines: []newJournalLine{
				{AccountCode: AccountCodeCash, Debit: decimal.NewFromInt(100)},
				{AccountCode: AccountCodeSales, Credit: decimal.NewFromInt(100)},
			},
		}
	}

	if err := base().validate(); err != nil {
		t.Fatalf("balanced entry should validate: %v", err)
	}

	single := base()
	single.Lines = single.Lines[:1]
	if err := single.validate(); err == nil {
		t.Fatal("single-line entry should be rejected")
	}

	unbalanced := base()
	unbalanced.Lines[1].Credit = decimal.NewFromInt(90)
	err := unbalanced.validate()
	var unbalancedErr *UnbalancedEntryError
	if !errors.As(err, &unbalancedErr) {
		t.Fatalf("expected UnbalancedEntryError, got %v", err)
	}

	// a cent of rounding slack passes
	rounded := base()
	rounded.Lines[1].Credit = decimal.RequireFromString("99.995")
	if err := rounded.validate(); err != nil {
		t.Fatalf("entry within rounding tolerance should validate: %v", err)
	}

	bothSides := base()
	bothSides.Lines[0].Credit = decimal.NewFromInt(1)
	if err := bothSides.validate(); err == nil {
		t.Fatal("line with both debit and credit should be rejected")
	}

	negative := base()
	negative.Lines[0].Debit = decimal.NewFromInt(-100)
	if err := negative.validate(); err == nil {
		t.Fatal("negative amounts should be rejected")
	}
}

func TestAccountNormalBalance(t *testing.T) {
	debitNormal := []AccountMainType{AccountMainTypeAsset, AccountMainTypeExpense}
	creditNormal := []AccountMainType{AccountMainTypeLiability, AccountMainTypeEquity, AccountMainTypeIncome}

	for _, mt := range debitNormal {
		if !mt.IsDebitNormal() {
			t.Fatalf("%s should be debit-normal", mt)
		}
	}
	for _, mt := range creditNormal {
		if mt.IsDebitNormal() {
			t.Fatalf("%s should be credit-normal", mt)
		}
	}
}

func TestPeriodStatusPostingGuard(t *testing.T) {
	if PeriodStatusOpen.BlocksPosting() {
		t.Fatal("open periods must accept postings")
	}
	if !PeriodStatusClosed.BlocksPosting() || !PeriodStatusLocked.BlocksPosting() {
		t.Fatal("closed and locked periods must block postings")
	}
}

func TestPeriodKeyBounds(t *testing.T) {
	start, end, err := periodBounds("2026-08")
	if err != nil {
		t.Fatalf("periodBounds: %v", err)
	}
	if start.Format("2006-01-02") != "2026-08-01" || end.Format("2006-01-02") != "2026-09-01" {
		t.Fatalf("unexpected bounds %s .. %s", start, end)
	}
	if _, _, err := periodBounds("August 2026"); err == nil {
		t.Fatal("malformed period key should be rejected")
	}
	if PeriodKeyFor(time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)) != "2026-08" {
		t.Fatal("PeriodKeyFor should format YYYY-MM")
	}
}

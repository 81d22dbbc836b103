package models

import (
	"context"
	"errors"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/commerce_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// entryBalanceTolerance is the rounding slack when checking that
// debits equal credits.
var entryBalanceTolerance = decimal.NewFromFloat(0.01)

// JournalEntry is an immutable double-entry posting. Corrections are
// new reversing entries, never edits.
type JournalEntry struct {
	ID              int                `gorm:"primary_key" json:"id"`
	TransactionDate time.Time          `gorm:"index;not null" json:"transaction_date"`
	Description     string             `gorm:"size:255;not null" json:"description"`
	ReferenceId     string             `gorm:"size:36;index" json:"reference_id"`
	ReferenceType   string             `gorm:"size:30" json:"reference_type"`
	Lines           []*TransactionLine `gorm:"foreignKey:JournalEntryId" json:"lines"`
	CreatedAt       time.Time          `gorm:"autoCreateTime" json:"created_at"`
}

type TransactionLine struct {
	ID             int             `gorm:"primary_key" json:"id"`
	JournalEntryId int             `gorm:"index;not null" json:"journal_entry_id"`
	AccountId      int             `gorm:"index;not null" json:"account_id"`
	Debit          decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"debit"`
	Credit         decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"credit"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

var errImmutableLedger = errors.New("journal entries are immutable; post a reversing entry instead")

func (e *JournalEntry) BeforeUpdate(tx *gorm.DB) error {
	return errImmutableLedger
}

func (e *JournalEntry) BeforeDelete(tx *gorm.DB) error {
	return errImmutableLedger
}

func (l *TransactionLine) BeforeUpdate(tx *gorm.DB) error {
	return errImmutableLedger
}

func (l *TransactionLine) BeforeDelete(tx *gorm.DB) error {
	return errImmutableLedger
}

type JournalEntriesEdge Edge[JournalEntry]

func (e JournalEntry) GetId() string {
	return strconv.Itoa(e.ID)
}

// implements CompositeCursor
func (e JournalEntry) GetCursor() string {
	return e.TransactionDate.Format("2006-01-02 15:04:05.000")
}

type JournalEntriesConnection struct {
	PageInfo *PageInfo             `json:"pageInfo"`
	Edges    []*JournalEntriesEdge `json:"edges"`
}

type newJournalLine struct {
	AccountCode string
	Debit       decimal.Decimal
	Credit      decimal.Decimal
}

type newJournalEntry struct {
	TransactionDate time.Time
	Description     string
	ReferenceId     string
	ReferenceType   string
	Lines           []newJournalLine
}

func (input *newJournalEntry) validate() error {

	if len(input.Lines) < 2 {
		return NewValidationError("journal entry needs at least two lines")
	}
	debits := decimal.Zero
	credits := decimal.Zero
	for _, line := range input.Lines {
		if line.Debit.LessThan(decimal.Zero) || line.Credit.LessThan(decimal.Zero) {
			return NewValidationError("journal line amounts cannot be negative")
		}
		debitSide := line.Debit.GreaterThan(decimal.Zero)
		creditSide := line.Credit.GreaterThan(decimal.Zero)
		if debitSide == creditSide {
			return NewValidationError("journal line must have exactly one of debit or credit")
		}
		debits = debits.Add(line.Debit)
		credits = credits.Add(line.Credit)
	}
	if debits.Sub(credits).Abs().GreaterThan(entryBalanceTolerance) {
		return &UnbalancedEntryError{Debits: debits, Credits: credits}
	}
	return nil
}

// createJournalEntry posts one balanced entry inside the caller's
// transaction: period guard first, then lines, then running account
// balances. Account rows are touched in code order; callers post with
// consistent line ordering so balance updates cannot deadlock.
func createJournalEntry(tx *gorm.DB, input *newJournalEntry) (*JournalEntry, error) {

	if err := input.validate(); err != nil {
		return nil, err
	}
	if err := validateTransactionDate(tx, input.TransactionDate); err != nil {
		return nil, err
	}

	entry := JournalEntry{
		TransactionDate: input.TransactionDate,
		Description:     input.Description,
		ReferenceId:     input.ReferenceId,
		ReferenceType:   input.ReferenceType,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return nil, err
	}

	for _, line := range input.Lines {
		account, err := getAccountByCode(tx, line.AccountCode)
		if err != nil {
			return nil, err
		}
		record := TransactionLine{
			JournalEntryId: entry.ID,
			AccountId:      account.ID,
			Debit:          line.Debit,
			Credit:         line.Credit,
		}
		if err := tx.Create(&record).Error; err != nil {
			return nil, err
		}
		if err := applyToAccountBalance(tx, account, line.Debit, line.Credit); err != nil {
			return nil, err
		}
		entry.Lines = append(entry.Lines, &record)
	}
	return &entry, nil
}

type NewJournalLine struct {
	AccountCode string          `json:"account_code" binding:"required"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
}

type NewJournalEntry struct {
	TransactionDate *time.Time       `json:"transaction_date"`
	Description     string           `json:"description" binding:"required"`
	Lines           []NewJournalLine `json:"lines" binding:"required"`
}

// CreateJournalEntry posts a manual adjustment entry in its own
// transaction. Same validation and period guard as the automatic
// postings.
func CreateJournalEntry(ctx context.Context, input *NewJournalEntry) (*JournalEntry, error) {

	at := time.Now()
	if input.TransactionDate != nil {
		at = *input.TransactionDate
	}
	posting := newJournalEntry{
		TransactionDate: at,
		Description:     input.Description,
		ReferenceType:   "manual_adjustment",
	}
	for _, line := range input.Lines {
		posting.Lines = append(posting.Lines, newJournalLine{
			AccountCode: line.AccountCode,
			Debit:       line.Debit,
			Credit:      line.Credit,
		})
	}

	db := config.GetDB()
	tx := db.Begin()
	entry, err := createJournalEntry(tx.WithContext(ctx), &posting)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return entry, nil
}

// GetJournalEntry loads one entry with its lines.
func GetJournalEntry(ctx context.Context, id int) (*JournalEntry, error) {

	db := config.GetDB()
	var entry JournalEntry
	if err := db.WithContext(ctx).Preload("Lines").First(&entry, "id = ?", id).Error; err != nil {
		return nil, NewValidationError("journal entry %d not found", id)
	}
	return &entry, nil
}

// PaginateJournalEntries lists postings newest first, optionally
// bounded by transaction date.
func PaginateJournalEntries(ctx context.Context, limit int, after *string,
	fromDate *time.Time, toDate *time.Time) (*JournalEntriesConnection, error) {

	if limit <= 0 || limit > 100 {
		limit = 20
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Model(&JournalEntry{}).Preload("Lines")
	if fromDate != nil {
		dbCtx = dbCtx.Where("transaction_date >= ?", *fromDate)
	}
	if toDate != nil {
		dbCtx = dbCtx.Where("transaction_date < ?", *toDate)
	}

	edges, pageInfo, err := FetchPageCompositeCursor[JournalEntry](dbCtx, limit, after, "transaction_date", "<")
	if err != nil {
		return nil, err
	}

	connection := JournalEntriesConnection{PageInfo: pageInfo}
	for i := range edges {
		edge := JournalEntriesEdge(edges[i])
		connection.Edges = append(connection.Edges, &edge)
	}
	return &connection, nil
}

package repository

import (
	"context"
	"fmt"

	"github.com/stanstork/ledgersync/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EntityRepository writes the local mirror of Xero entities. Every Upsert
// call is a single transaction keyed on (tenant_id, external_id).
type EntityRepository interface {
	UpsertContacts(ctx context.Context, rows []models.Contact) error
	UpsertBankAccounts(ctx context.Context, rows []models.BankAccount) error
	UpsertGLAccounts(ctx context.Context, rows []models.GLAccount) error
	UpsertBankTransactions(ctx context.Context, rows []models.BankTransaction) error
	UpsertInvoices(ctx context.Context, rows []models.Invoice) error

	// BankAccountIDs maps external account id to local bank account id.
	BankAccountIDs(ctx context.Context, tenantID string) (map[string]string, error)
	// ContactIDs maps external contact id to local contact id.
	ContactIDs(ctx context.Context, tenantID string) (map[string]string, error)
}

type entityRepository struct {
	db *gorm.DB
}

func NewEntityRepository(db *gorm.DB) EntityRepository {
	return &entityRepository{db: db}
}

var conflictKey = []clause.Column{{Name: "tenant_id"}, {Name: "external_id"}}

// Columns refreshed when a row with the same external id already exists.
var (
	contactUpdates = []string{
		"user_id", "name", "email", "is_customer", "is_supplier", "status",
		"external_updated_at", "last_synced_at", "updated_at",
	}
	bankAccountUpdates = []string{
		"user_id", "code", "name", "account_number", "bank_account_type", "currency_code", "status",
		"last_synced_at", "updated_at",
	}
	glAccountUpdates = []string{
		"user_id", "code", "name", "type", "class", "tax_type", "status", "description",
		"last_synced_at", "updated_at",
	}
	bankTransactionUpdates = []string{
		"user_id", "bank_account_id", "external_account_id", "contact_id", "external_contact_id",
		"type", "status", "reference", "date", "sub_total", "total_tax", "total", "currency_code",
		"is_reconciled", "external_updated_at", "last_synced_at", "updated_at",
	}
	invoiceUpdates = []string{
		"user_id", "kind", "type", "number", "reference", "contact_id", "external_contact_id", "status",
		"date", "due_date", "sub_total", "total_tax", "total", "amount_due", "amount_paid", "currency_code",
		"external_updated_at", "last_synced_at", "updated_at",
	}
)

func (r *entityRepository) UpsertContacts(ctx context.Context, rows []models.Contact) error {
	return upsert(ctx, r.db, "contacts", rows, contactUpdates)
}

func (r *entityRepository) UpsertBankAccounts(ctx context.Context, rows []models.BankAccount) error {
	return upsert(ctx, r.db, "bank accounts", rows, bankAccountUpdates)
}

func (r *entityRepository) UpsertGLAccounts(ctx context.Context, rows []models.GLAccount) error {
	return upsert(ctx, r.db, "gl accounts", rows, glAccountUpdates)
}

func (r *entityRepository) UpsertBankTransactions(ctx context.Context, rows []models.BankTransaction) error {
	return upsert(ctx, r.db, "bank transactions", rows, bankTransactionUpdates)
}

func (r *entityRepository) UpsertInvoices(ctx context.Context, rows []models.Invoice) error {
	return upsert(ctx, r.db, "invoices", rows, invoiceUpdates)
}

func (r *entityRepository) BankAccountIDs(ctx context.Context, tenantID string) (map[string]string, error) {
	return externalIndex(ctx, r.db, &models.BankAccount{}, tenantID)
}

func (r *entityRepository) ContactIDs(ctx context.Context, tenantID string) (map[string]string, error) {
	return externalIndex(ctx, r.db, &models.Contact{}, tenantID)
}

// upsert writes rows as one multi-row INSERT ... ON CONFLICT inside a
// transaction, so either the whole batch lands or none of it does.
func upsert[T any](ctx context.Context, db *gorm.DB, what string, rows []T, updates []string) error {
	if len(rows) == 0 {
		return nil
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   conflictKey,
			DoUpdates: clause.AssignmentColumns(updates),
		}).Create(&rows).Error
	})
	if err != nil {
		return fmt.Errorf("failed to upsert %d %s: %w", len(rows), what, err)
	}
	return nil
}

func externalIndex(ctx context.Context, db *gorm.DB, model interface{}, tenantID string) (map[string]string, error) {
	var rows []struct {
		ID         string
		ExternalID string
	}
	err := db.WithContext(ctx).
		Model(model).
		Select("id", "external_id").
		Where("tenant_id = ?", tenantID).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load external id index: %w", err)
	}
	index := make(map[string]string, len(rows))
	for _, row := range rows {
		index[row.ExternalID] = row.ID
	}
	return index, nil
}

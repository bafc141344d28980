package syncer

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stanstork/ledgersync/internal/models"
	"github.com/stanstork/ledgersync/internal/xero"
)

// Mappers fill missing or malformed fields with empty strings, zero amounts
// and the sync time. They reject only records without an external id, which
// cannot be upserted.

func mapContact(c xero.Contact, job models.SyncJob, now time.Time) (models.Contact, bool) {
	if c.ContactID == "" {
		return models.Contact{}, false
	}
	return models.Contact{
		ID:                uuid.NewString(),
		UserID:            job.UserID,
		TenantID:          job.TenantID,
		ExternalID:        c.ContactID,
		Name:              strings.TrimSpace(c.Name),
		Email:             strings.TrimSpace(c.EmailAddress),
		IsCustomer:        bool(c.IsCustomer),
		IsSupplier:        bool(c.IsSupplier),
		Status:            c.ContactStatus,
		ExternalUpdatedAt: dateOr(c.UpdatedDateUTC, now),
		LastSyncedAt:      now,
	}, true
}

func mapBankAccount(a xero.Account, job models.SyncJob, now time.Time) models.BankAccount {
	return models.BankAccount{
		ID:              uuid.NewString(),
		UserID:          job.UserID,
		TenantID:        job.TenantID,
		ExternalID:      a.AccountID,
		Code:            a.Code,
		Name:            strings.TrimSpace(a.Name),
		AccountNumber:   a.BankAccountNumber,
		BankAccountType: a.BankAccountType,
		CurrencyCode:    a.CurrencyCode,
		Status:          a.Status,
		LastSyncedAt:    now,
	}
}

func mapGLAccount(a xero.Account, job models.SyncJob, now time.Time) models.GLAccount {
	return models.GLAccount{
		ID:           uuid.NewString(),
		UserID:       job.UserID,
		TenantID:     job.TenantID,
		ExternalID:   a.AccountID,
		Code:         a.Code,
		Name:         strings.TrimSpace(a.Name),
		Type:         a.Type,
		Class:        a.Class,
		TaxType:      a.TaxType,
		Status:       a.Status,
		Description:  a.Description,
		LastSyncedAt: now,
	}
}

// lookups resolve external parent ids to local row ids.
type lookups struct {
	bankAccounts map[string]string
	contacts     map[string]string
}

// mapBankTransaction reports false when the record has no id or its bank
// account is not mirrored locally.
func mapBankTransaction(bt xero.BankTransaction, job models.SyncJob, idx lookups, now time.Time) (models.BankTransaction, bool) {
	if bt.BankTransactionID == "" || bt.BankAccount == nil {
		return models.BankTransaction{}, false
	}
	accountID, ok := idx.bankAccounts[bt.BankAccount.AccountID]
	if !ok {
		return models.BankTransaction{}, false
	}
	extContact, contactID := resolveContact(bt.Contact, idx)
	return models.BankTransaction{
		ID:                uuid.NewString(),
		UserID:            job.UserID,
		TenantID:          job.TenantID,
		ExternalID:        bt.BankTransactionID,
		BankAccountID:     accountID,
		ExternalAccountID: bt.BankAccount.AccountID,
		ContactID:         contactID,
		ExternalContactID: extContact,
		Type:              bt.Type,
		Status:            bt.Status,
		Reference:         bt.Reference,
		Date:              dateOr(bt.Date, now),
		SubTotal:          amount(bt.SubTotal),
		TotalTax:          amount(bt.TotalTax),
		Total:             amount(bt.Total),
		CurrencyCode:      bt.CurrencyCode,
		IsReconciled:      bool(bt.IsReconciled),
		ExternalUpdatedAt: dateOr(bt.UpdatedDateUTC, now),
		LastSyncedAt:      now,
	}, true
}

func mapInvoice(inv xero.Invoice, kind models.InvoiceKind, job models.SyncJob, idx lookups, now time.Time) (models.Invoice, bool) {
	if inv.InvoiceID == "" {
		return models.Invoice{}, false
	}
	extContact, contactID := resolveContact(inv.Contact, idx)
	out := models.Invoice{
		ID:                uuid.NewString(),
		UserID:            job.UserID,
		TenantID:          job.TenantID,
		ExternalID:        inv.InvoiceID,
		Kind:              kind,
		Type:              inv.Type,
		Number:            inv.InvoiceNumber,
		Reference:         inv.Reference,
		ContactID:         contactID,
		ExternalContactID: extContact,
		Status:            inv.Status,
		Date:              dateOr(inv.Date, now),
		SubTotal:          amount(inv.SubTotal),
		TotalTax:          amount(inv.TotalTax),
		Total:             amount(inv.Total),
		AmountDue:         amount(inv.AmountDue),
		AmountPaid:        amount(inv.AmountPaid),
		CurrencyCode:      inv.CurrencyCode,
		ExternalUpdatedAt: dateOr(inv.UpdatedDateUTC, now),
		LastSyncedAt:      now,
	}
	if due, ok := xero.ParseDate(inv.DueDate); ok {
		out.DueDate = &due
	}
	return out, true
}

func resolveContact(ref *xero.ContactRef, idx lookups) (string, *string) {
	if ref == nil || ref.ContactID == "" {
		return "", nil
	}
	if id, ok := idx.contacts[ref.ContactID]; ok {
		return ref.ContactID, &id
	}
	return ref.ContactID, nil
}

func dateOr(s string, fallback time.Time) time.Time {
	if t, ok := xero.ParseDate(s); ok {
		return t
	}
	return fallback
}

func amount(d xero.Amount) decimal.Decimal {
	if !d.Valid {
		return decimal.Zero
	}
	return d.Decimal
}

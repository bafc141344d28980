package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Local mirror rows. Each is unique on (tenant_id, external_id), where
// external_id is the identifier Xero assigned.

type Contact struct {
	ID                string    `gorm:"column:id;primaryKey" json:"id"`
	UserID            string    `gorm:"column:user_id" json:"user_id"`
	TenantID          string    `gorm:"column:tenant_id" json:"tenant_id"`
	ExternalID        string    `gorm:"column:external_id" json:"external_id"`
	Name              string    `gorm:"column:name" json:"name"`
	Email             string    `gorm:"column:email" json:"email"`
	IsCustomer        bool      `gorm:"column:is_customer" json:"is_customer"`
	IsSupplier        bool      `gorm:"column:is_supplier" json:"is_supplier"`
	Status            string    `gorm:"column:status" json:"status"`
	ExternalUpdatedAt time.Time `gorm:"column:external_updated_at" json:"external_updated_at"`
	LastSyncedAt      time.Time `gorm:"column:last_synced_at" json:"last_synced_at"`
	CreatedAt         time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt         time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Contact) TableName() string {
	return "contacts"
}

type BankAccount struct {
	ID              string    `gorm:"column:id;primaryKey" json:"id"`
	UserID          string    `gorm:"column:user_id" json:"user_id"`
	TenantID        string    `gorm:"column:tenant_id" json:"tenant_id"`
	ExternalID      string    `gorm:"column:external_id" json:"external_id"`
	Code            string    `gorm:"column:code" json:"code"`
	Name            string    `gorm:"column:name" json:"name"`
	AccountNumber   string    `gorm:"column:account_number" json:"account_number"`
	BankAccountType string    `gorm:"column:bank_account_type" json:"bank_account_type"`
	CurrencyCode    string    `gorm:"column:currency_code" json:"currency_code"`
	Status          string    `gorm:"column:status" json:"status"`
	LastSyncedAt    time.Time `gorm:"column:last_synced_at" json:"last_synced_at"`
	CreatedAt       time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (BankAccount) TableName() string {
	return "bank_accounts"
}

// GLAccount is a chart-of-accounts entry that is not a bank account.
type GLAccount struct {
	ID           string    `gorm:"column:id;primaryKey" json:"id"`
	UserID       string    `gorm:"column:user_id" json:"user_id"`
	TenantID     string    `gorm:"column:tenant_id" json:"tenant_id"`
	ExternalID   string    `gorm:"column:external_id" json:"external_id"`
	Code         string    `gorm:"column:code" json:"code"`
	Name         string    `gorm:"column:name" json:"name"`
	Type         string    `gorm:"column:type" json:"type"`
	Class        string    `gorm:"column:class" json:"class"`
	TaxType      string    `gorm:"column:tax_type" json:"tax_type"`
	Status       string    `gorm:"column:status" json:"status"`
	Description  string    `gorm:"column:description" json:"description"`
	LastSyncedAt time.Time `gorm:"column:last_synced_at" json:"last_synced_at"`
	CreatedAt    time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (GLAccount) TableName() string {
	return "gl_accounts"
}

type BankTransaction struct {
	ID                string          `gorm:"column:id;primaryKey" json:"id"`
	UserID            string          `gorm:"column:user_id" json:"user_id"`
	TenantID          string          `gorm:"column:tenant_id" json:"tenant_id"`
	ExternalID        string          `gorm:"column:external_id" json:"external_id"`
	BankAccountID     string          `gorm:"column:bank_account_id" json:"bank_account_id"`
	ExternalAccountID string          `gorm:"column:external_account_id" json:"external_account_id"`
	ContactID         *string         `gorm:"column:contact_id" json:"contact_id,omitempty"`
	ExternalContactID string          `gorm:"column:external_contact_id" json:"external_contact_id"`
	Type              string          `gorm:"column:type" json:"type"`
	Status            string          `gorm:"column:status" json:"status"`
	Reference         string          `gorm:"column:reference" json:"reference"`
	Date              time.Time       `gorm:"column:date" json:"date"`
	SubTotal          decimal.Decimal `gorm:"column:sub_total;type:numeric(18,4)" json:"sub_total"`
	TotalTax          decimal.Decimal `gorm:"column:total_tax;type:numeric(18,4)" json:"total_tax"`
	Total             decimal.Decimal `gorm:"column:total;type:numeric(18,4)" json:"total"`
	CurrencyCode      string          `gorm:"column:currency_code" json:"currency_code"`
	IsReconciled      bool            `gorm:"column:is_reconciled" json:"is_reconciled"`
	ExternalUpdatedAt time.Time       `gorm:"column:external_updated_at" json:"external_updated_at"`
	LastSyncedAt      time.Time       `gorm:"column:last_synced_at" json:"last_synced_at"`
	CreatedAt         time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

func (BankTransaction) TableName() string {
	return "bank_transactions"
}

type InvoiceKind string

const (
	InvoiceKindInvoice InvoiceKind = "invoice"
	InvoiceKindBill    InvoiceKind = "bill"
)

// Invoice holds both sales invoices and bills; Kind tells them apart.
type Invoice struct {
	ID                string          `gorm:"column:id;primaryKey" json:"id"`
	UserID            string          `gorm:"column:user_id" json:"user_id"`
	TenantID          string          `gorm:"column:tenant_id" json:"tenant_id"`
	ExternalID        string          `gorm:"column:external_id" json:"external_id"`
	Kind              InvoiceKind     `gorm:"column:kind" json:"kind"`
	Type              string          `gorm:"column:type" json:"type"`
	Number            string          `gorm:"column:number" json:"number"`
	Reference         string          `gorm:"column:reference" json:"reference"`
	ContactID         *string         `gorm:"column:contact_id" json:"contact_id,omitempty"`
	ExternalContactID string          `gorm:"column:external_contact_id" json:"external_contact_id"`
	Status            string          `gorm:"column:status" json:"status"`
	Date              time.Time       `gorm:"column:date" json:"date"`
	DueDate           *time.Time      `gorm:"column:due_date" json:"due_date,omitempty"`
	SubTotal          decimal.Decimal `gorm:"column:sub_total;type:numeric(18,4)" json:"sub_total"`
	TotalTax          decimal.Decimal `gorm:"column:total_tax;type:numeric(18,4)" json:"total_tax"`
	Total             decimal.Decimal `gorm:"column:total;type:numeric(18,4)" json:"total"`
	AmountDue         decimal.Decimal `gorm:"column:amount_due;type:numeric(18,4)" json:"amount_due"`
	AmountPaid        decimal.Decimal `gorm:"column:amount_paid;type:numeric(18,4)" json:"amount_paid"`
	CurrencyCode      string          `gorm:"column:currency_code" json:"currency_code"`
	ExternalUpdatedAt time.Time       `gorm:"column:external_updated_at" json:"external_updated_at"`
	LastSyncedAt      time.Time       `gorm:"column:last_synced_at" json:"last_synced_at"`
	CreatedAt         time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

func (Invoice) TableName() string {
	return "invoices"
}

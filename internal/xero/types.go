package xero

// Wire shapes for the Accounting API. Only the fields the mirror keeps are
// decoded.

type ContactRef struct {
	ContactID string `json:"ContactID"`
	Name      string `json:"Name"`
}

type AccountRef struct {
	AccountID string `json:"AccountID"`
	Code      string `json:"Code"`
	Name      string `json:"Name"`
}

type Contact struct {
	ContactID      string `json:"ContactID"`
	Name           string `json:"Name"`
	EmailAddress   string `json:"EmailAddress"`
	IsCustomer     Flag   `json:"IsCustomer"`
	IsSupplier     Flag   `json:"IsSupplier"`
	ContactStatus  string `json:"ContactStatus"`
	UpdatedDateUTC string `json:"UpdatedDateUTC"`
}

// AccountTypeBank marks chart entries that are bank accounts.
const AccountTypeBank = "BANK"

type Account struct {
	AccountID         string `json:"AccountID"`
	Code              string `json:"Code"`
	Name              string `json:"Name"`
	Type              string `json:"Type"`
	Class             string `json:"Class"`
	TaxType           string `json:"TaxType"`
	Status            string `json:"Status"`
	Description       string `json:"Description"`
	BankAccountNumber string `json:"BankAccountNumber"`
	BankAccountType   string `json:"BankAccountType"`
	CurrencyCode      string `json:"CurrencyCode"`
	UpdatedDateUTC    string `json:"UpdatedDateUTC"`
}

type BankTransaction struct {
	BankTransactionID string      `json:"BankTransactionID"`
	Type              string      `json:"Type"`
	Status            string      `json:"Status"`
	Reference         string      `json:"Reference"`
	Contact           *ContactRef `json:"Contact"`
	BankAccount       *AccountRef `json:"BankAccount"`
	Date              string      `json:"Date"`
	SubTotal          Amount      `json:"SubTotal"`
	TotalTax          Amount      `json:"TotalTax"`
	Total             Amount      `json:"Total"`
	CurrencyCode      string      `json:"CurrencyCode"`
	IsReconciled      Flag        `json:"IsReconciled"`
	UpdatedDateUTC    string      `json:"UpdatedDateUTC"`
}

// Invoice types as Xero reports them.
const (
	InvoiceTypeReceivable = "ACCREC"
	InvoiceTypePayable    = "ACCPAY"
)

type Invoice struct {
	InvoiceID      string      `json:"InvoiceID"`
	Type           string      `json:"Type"`
	InvoiceNumber  string      `json:"InvoiceNumber"`
	Reference      string      `json:"Reference"`
	Contact        *ContactRef `json:"Contact"`
	Status         string      `json:"Status"`
	Date           string      `json:"Date"`
	DueDate        string      `json:"DueDate"`
	SubTotal       Amount      `json:"SubTotal"`
	TotalTax       Amount      `json:"TotalTax"`
	Total          Amount      `json:"Total"`
	AmountDue      Amount      `json:"AmountDue"`
	AmountPaid     Amount      `json:"AmountPaid"`
	CurrencyCode   string      `json:"CurrencyCode"`
	UpdatedDateUTC string      `json:"UpdatedDateUTC"`
}

type pagination struct {
	Page      int `json:"page"`
	PageSize  int `json:"pageSize"`
	PageCount int `json:"pageCount"`
	ItemCount int `json:"itemCount"`
}

type contactsEnvelope struct {
	Contacts   []Contact   `json:"Contacts"`
	Pagination *pagination `json:"pagination"`
}

type accountsEnvelope struct {
	Accounts []Account `json:"Accounts"`
}

type bankTransactionsEnvelope struct {
	BankTransactions []BankTransaction `json:"BankTransactions"`
	Pagination       *pagination       `json:"pagination"`
}

type invoicesEnvelope struct {
	Invoices   []Invoice   `json:"Invoices"`
	Pagination *pagination `json:"pagination"`
}

func pageCount(p *pagination) int {
	if p == nil {
		return 0
	}
	return p.PageCount
}

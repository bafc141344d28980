package models

import (
	"fmt"
	"strings"
	"time"
)

type Entity string

const (
	EntityContacts     Entity = "contacts"
	EntityAccounts     Entity = "accounts"
	EntityTransactions Entity = "transactions"
	EntityInvoices     Entity = "invoices"
	EntityBills        Entity = "bills"
)

// EntityOrder is the fixed phase sequence. Parents always precede the rows
// that reference them.
var EntityOrder = []Entity{
	EntityContacts,
	EntityAccounts,
	EntityTransactions,
	EntityInvoices,
	EntityBills,
}

// Index returns the position of e in EntityOrder, or -1.
func (e Entity) Index() int {
	for i, candidate := range EntityOrder {
		if candidate == e {
			return i
		}
	}
	return -1
}

func (e Entity) Valid() bool {
	return e.Index() >= 0
}

// ParseEntities normalizes a list of entity names. An empty list selects
// every entity.
func ParseEntities(names []string) ([]Entity, error) {
	if len(names) == 0 {
		return append([]Entity(nil), EntityOrder...), nil
	}
	seen := make(map[Entity]bool, len(names))
	for _, name := range names {
		e := Entity(strings.ToLower(strings.TrimSpace(name)))
		if !e.Valid() {
			return nil, fmt.Errorf("unknown entity %q", name)
		}
		seen[e] = true
	}
	// Keep the fixed order regardless of the order requested.
	out := make([]Entity, 0, len(seen))
	for _, e := range EntityOrder {
		if seen[e] {
			out = append(out, e)
		}
	}
	return out, nil
}

// SealedCredentials carries the Xero token set encrypted with the service key.
type SealedCredentials struct {
	Ciphertext string `json:"ciphertext"`
}

// XeroCredentials is the opened form of SealedCredentials.
type XeroCredentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
}

// SyncJob is the immutable payload handed from the enqueue step to the worker.
type SyncJob struct {
	SyncID      string            `json:"sync_id"`
	UserID      string            `json:"user_id"`
	TenantID    string            `json:"tenant_id"`
	Entities    []Entity          `json:"entities"`
	SyncFrom    *time.Time        `json:"sync_from,omitempty"`
	Limits      map[Entity]int    `json:"limits,omitempty"`
	Credentials SealedCredentials `json:"credentials"`
	RequestedAt time.Time         `json:"requested_at"`
}

func (j SyncJob) Selected(e Entity) bool {
	for _, s := range j.Entities {
		if s == e {
			return true
		}
	}
	return false
}

// Limit returns the record cap for e, or 0 when unlimited.
func (j SyncJob) Limit(e Entity) int {
	if n, ok := j.Limits[e]; ok && n > 0 {
		return n
	}
	return 0
}

// SyncCheckpoint is the resume state for one sync id.
type SyncCheckpoint struct {
	SyncID        string         `json:"sync_id"`
	LastCompleted Entity         `json:"last_completed,omitempty"`
	Pages         map[Entity]int `json:"pages"`
	Counts        map[Entity]int `json:"counts"`
	SavedAt       time.Time      `json:"saved_at"`
}

func NewSyncCheckpoint(syncID string) *SyncCheckpoint {
	return &SyncCheckpoint{
		SyncID: syncID,
		Pages:  make(map[Entity]int),
		Counts: make(map[Entity]int),
	}
}

type SyncSummary struct {
	SyncID      string         `json:"sync_id"`
	Counts      map[Entity]int `json:"counts"`
	Skipped     map[Entity]int `json:"skipped,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
}

func (s SyncSummary) Total() int {
	total := 0
	for _, n := range s.Counts {
		total += n
	}
	return total
}

type SyncStatus string

const (
	SyncStatusQueued    SyncStatus = "queued"
	SyncStatusRunning   SyncStatus = "running"
	SyncStatusSucceeded SyncStatus = "succeeded"
	SyncStatusFailed    SyncStatus = "failed"
)

type SyncLog struct {
	SyncID      string         `json:"sync_id"`
	UserID      string         `json:"user_id"`
	TenantID    string         `json:"tenant_id"`
	Entities    []Entity       `json:"entities"`
	Status      SyncStatus     `json:"status"`
	Attempts    int            `json:"attempts"`
	Counts      map[Entity]int `json:"counts,omitempty"`
	Error       *string        `json:"error,omitempty"`
	QueuedAt    time.Time      `json:"queued_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

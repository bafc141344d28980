// Package syncer runs the historical import from Xero into the local mirror.
//
// A run walks the entity phases in the fixed order of models.EntityOrder,
// persisting a checkpoint after every flushed page so that a later attempt
// with the same sync id resumes after the last durable page.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stanstork/ledgersync/internal/batch"
	"github.com/stanstork/ledgersync/internal/checkpoint"
	"github.com/stanstork/ledgersync/internal/models"
	"github.com/stanstork/ledgersync/internal/paginate"
	"github.com/stanstork/ledgersync/internal/progress"
	"github.com/stanstork/ledgersync/internal/repository"
	"github.com/stanstork/ledgersync/internal/xero"
)

const (
	DefaultPageSize  = 100
	DefaultPageDelay = 100 * time.Millisecond

	failureWriteTimeout = 10 * time.Second
)

var ErrInvalidJob = errors.New("invalid sync job")

// Source is the provider side of a run. *xero.Client implements it.
type Source interface {
	Contacts(ctx context.Context, q xero.Query) (paginate.Page[xero.Contact], error)
	Accounts(ctx context.Context, q xero.Query) ([]xero.Account, error)
	BankTransactions(ctx context.Context, q xero.Query) (paginate.Page[xero.BankTransaction], error)
	Invoices(ctx context.Context, q xero.Query) (paginate.Page[xero.Invoice], error)
}

type Deps struct {
	Entities    repository.EntityRepository
	Checkpoints checkpoint.Store
	Progress    progress.Store
	SyncLogs    repository.SyncLogRepository
}

// HeartbeatDetails describes the last durable position of a run.
type HeartbeatDetails struct {
	Entity models.Entity `json:"entity"`
	Page   int           `json:"page"`
	Count  int           `json:"count"`
}

type Options struct {
	PageSize  int
	BatchSize int
	// PageDelay is slept between consecutive pages of one phase.
	PageDelay time.Duration
	// Heartbeat, when set, is called after every checkpoint.
	Heartbeat func(ctx context.Context, details HeartbeatDetails)
}

type Orchestrator struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

func New(deps Deps, opts Options, logger zerolog.Logger) *Orchestrator {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.PageDelay < 0 {
		opts.PageDelay = 0
	}
	return &Orchestrator{
		deps:   deps,
		opts:   opts,
		logger: logger.With().Str("component", "syncer").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run executes job against source. Any error or panic is recorded on the sync
// log and the progress record and returned; the checkpoint is kept for the
// next attempt. Invalid jobs fail with ErrInvalidJob before anything is
// written.
func (o *Orchestrator) Run(ctx context.Context, job models.SyncJob, source Source) (summary *models.SyncSummary, err error) {
	if err := validate(&job); err != nil {
		return nil, err
	}

	r := &run{
		o:       o,
		job:     job,
		source:  source,
		logger:  o.logger.With().Str("sync_id", job.SyncID).Str("tenant_id", job.TenantID).Logger(),
		tracker: progress.NewTracker(o.deps.Progress, job.SyncID, job.UserID, job.Entities, o.logger),
		skipped: make(map[models.Entity]int),
		started: o.now(),
	}

	defer func() {
		if rec := recover(); rec != nil {
			summary = nil
			err = fmt.Errorf("sync %s panicked: %v", job.SyncID, rec)
		}
		if err != nil {
			r.fail(ctx, err)
		}
	}()

	if err := o.deps.SyncLogs.MarkRunning(ctx, job, r.started); err != nil {
		return nil, fmt.Errorf("mark sync running: %w", err)
	}
	return r.execute(ctx)
}

func validate(job *models.SyncJob) error {
	var problems []string
	if strings.TrimSpace(job.SyncID) == "" {
		problems = append(problems, "sync id is required")
	}
	if strings.TrimSpace(job.UserID) == "" {
		problems = append(problems, "user id is required")
	}
	if strings.TrimSpace(job.TenantID) == "" {
		problems = append(problems, "tenant id is required")
	}
	for _, e := range job.Entities {
		if !e.Valid() {
			problems = append(problems, fmt.Sprintf("unknown entity %q", e))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidJob, strings.Join(problems, "; "))
	}
	if len(job.Entities) == 0 {
		job.Entities = append([]models.Entity(nil), models.EntityOrder...)
	}
	return nil
}

type run struct {
	o       *Orchestrator
	job     models.SyncJob
	source  Source
	logger  zerolog.Logger
	tracker *progress.Tracker
	cp      *models.SyncCheckpoint
	current models.Entity
	skipped map[models.Entity]int
	started time.Time
}

func (r *run) execute(ctx context.Context) (*models.SyncSummary, error) {
	cp, err := r.o.deps.Checkpoints.Load(ctx, r.job.SyncID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	switch {
	case cp == nil:
		cp = models.NewSyncCheckpoint(r.job.SyncID)
	case cp.LastCompleted != "" && !cp.LastCompleted.Valid():
		r.logger.Warn().Str("last_completed", string(cp.LastCompleted)).Msg("checkpoint names an unknown phase, starting over")
		cp = models.NewSyncCheckpoint(r.job.SyncID)
	default:
		r.logger.Info().
			Str("last_completed", string(cp.LastCompleted)).
			Interface("pages", cp.Pages).
			Interface("counts", cp.Counts).
			Msg("resuming from checkpoint")
	}
	r.cp = cp
	r.tracker.Restore(cp)

	// Re-enter one step after the last fully completed phase.
	for _, e := range models.EntityOrder[cp.LastCompleted.Index()+1:] {
		if !r.job.Selected(e) {
			r.cp.LastCompleted = e
			continue
		}
		r.current = e
		r.tracker.StartPhase(ctx, e)
		if err := r.phase(ctx, e); err != nil {
			return nil, fmt.Errorf("%s phase: %w", e, err)
		}
		r.cp.LastCompleted = e
		if err := r.saveCheckpoint(ctx); err != nil {
			return nil, err
		}
		r.tracker.CompletePhase(ctx, e, r.cp.Counts[e])
		r.logger.Info().Str("entity", string(e)).Int("count", r.cp.Counts[e]).Msg("phase completed")
	}

	summary := &models.SyncSummary{
		SyncID:      r.job.SyncID,
		Counts:      r.counts(),
		Skipped:     maps.Clone(r.skipped),
		StartedAt:   r.started,
		CompletedAt: r.o.now(),
	}

	r.tracker.Complete(ctx)
	if err := r.o.deps.SyncLogs.MarkSucceeded(ctx, r.job.SyncID, summary.Counts, summary.CompletedAt); err != nil {
		return nil, fmt.Errorf("record sync success: %w", err)
	}
	if err := r.o.deps.Checkpoints.Clear(ctx, r.job.SyncID); err != nil {
		// The data is in; a stale checkpoint only expires.
		r.logger.Warn().Err(err).Msg("failed to clear checkpoint")
	}

	r.logger.Info().
		Interface("counts", summary.Counts).
		Interface("skipped", summary.Skipped).
		Dur("took", summary.CompletedAt.Sub(summary.StartedAt)).
		Msg("historical sync completed")
	return summary, nil
}

func (r *run) phase(ctx context.Context, e models.Entity) error {
	switch e {
	case models.EntityContacts:
		return r.syncContacts(ctx)
	case models.EntityAccounts:
		return r.syncAccounts(ctx)
	case models.EntityTransactions:
		return r.syncTransactions(ctx)
	case models.EntityInvoices:
		return r.syncInvoices(ctx, e, xero.InvoiceTypeReceivable, models.InvoiceKindInvoice)
	case models.EntityBills:
		return r.syncInvoices(ctx, e, xero.InvoiceTypePayable, models.InvoiceKindBill)
	}
	return fmt.Errorf("no phase for entity %q", e)
}

func (r *run) syncContacts(ctx context.Context) error {
	fetch := func(ctx context.Context, page int) (paginate.Page[xero.Contact], error) {
		return r.source.Contacts(ctx, r.query(page, "Name ASC", "", true))
	}
	mapper := func(c xero.Contact) (models.Contact, bool) {
		return mapContact(c, r.job, r.o.now())
	}
	return pagedPhase(ctx, r, models.EntityContacts, fetch, mapper, r.o.deps.Entities.UpsertContacts)
}

// syncAccounts fetches the whole chart in one call and splits it between
// bank accounts and ledger accounts.
func (r *run) syncAccounts(ctx context.Context) error {
	accounts, err := r.source.Accounts(ctx, r.query(0, "", "", true))
	if err != nil {
		return fmt.Errorf("fetch accounts: %w", err)
	}

	banks := batch.New(r.o.opts.BatchSize, r.o.deps.Entities.UpsertBankAccounts)
	ledger := batch.New(r.o.opts.BatchSize, r.o.deps.Entities.UpsertGLAccounts)
	limit := r.job.Limit(models.EntityAccounts)
	count := 0
	for _, a := range accounts {
		if limit > 0 && count >= limit {
			break
		}
		if a.AccountID == "" {
			r.skip(models.EntityAccounts, "", "missing account id")
			continue
		}
		now := r.o.now()
		if strings.EqualFold(a.Type, xero.AccountTypeBank) {
			err = banks.Add(ctx, mapBankAccount(a, r.job, now))
		} else {
			err = ledger.Add(ctx, mapGLAccount(a, r.job, now))
		}
		if err != nil {
			return err
		}
		count++
	}
	if err := banks.Flush(ctx); err != nil {
		return err
	}
	if err := ledger.Flush(ctx); err != nil {
		return err
	}

	r.cp.Pages[models.EntityAccounts] = 1
	r.cp.Counts[models.EntityAccounts] = count
	r.logger.Debug().
		Int("bank_accounts", banks.Flushed()).
		Int("gl_accounts", ledger.Flushed()).
		Msg("accounts upserted")
	return nil
}

func (r *run) syncTransactions(ctx context.Context) error {
	idx, err := r.loadLookups(ctx)
	if err != nil {
		return err
	}
	fetch := func(ctx context.Context, page int) (paginate.Page[xero.BankTransaction], error) {
		return r.source.BankTransactions(ctx, r.query(page, "Date ASC", "", false))
	}
	mapper := func(bt xero.BankTransaction) (models.BankTransaction, bool) {
		rec, ok := mapBankTransaction(bt, r.job, idx, r.o.now())
		if !ok {
			r.skip(models.EntityTransactions, bt.BankTransactionID, "bank account not mirrored locally")
		}
		return rec, ok
	}
	return pagedPhase(ctx, r, models.EntityTransactions, fetch, mapper, r.o.deps.Entities.UpsertBankTransactions)
}

// syncInvoices covers both invoices and bills; the provider serves them from
// one endpoint distinguished by type.
func (r *run) syncInvoices(ctx context.Context, e models.Entity, invoiceType string, kind models.InvoiceKind) error {
	idx, err := r.loadLookups(ctx)
	if err != nil {
		return err
	}
	typeFilter := fmt.Sprintf("Type==%q", invoiceType)
	fetch := func(ctx context.Context, page int) (paginate.Page[xero.Invoice], error) {
		return r.source.Invoices(ctx, r.query(page, "Date ASC", typeFilter, false))
	}
	mapper := func(inv xero.Invoice) (models.Invoice, bool) {
		if inv.Type != invoiceType {
			r.skip(e, inv.InvoiceID, "unexpected invoice type "+inv.Type)
			return models.Invoice{}, false
		}
		rec, ok := mapInvoice(inv, kind, r.job, idx, r.o.now())
		if !ok {
			r.skip(e, "", "missing invoice id")
		}
		return rec, ok
	}
	return pagedPhase(ctx, r, e, fetch, mapper, r.o.deps.Entities.UpsertInvoices)
}

// pagedPhase streams pages from fetch starting after the checkpointed page.
// Each page is mapped, flushed and checkpointed before the next is fetched.
func pagedPhase[X, R any](
	ctx context.Context,
	r *run,
	e models.Entity,
	fetch paginate.FetchFunc[X],
	mapper func(X) (R, bool),
	flush batch.FlushFunc[R],
) error {
	b := batch.New(r.o.opts.BatchSize, flush)
	limit := r.job.Limit(e)
	startPage := r.cp.Pages[e] + 1
	count := 0
	if startPage > 1 {
		count = r.cp.Counts[e]
	}
	if limit > 0 && count >= limit {
		return nil
	}

	for page, err := range paginate.Pages(ctx, fetch, startPage) {
		if err != nil {
			return fmt.Errorf("fetch page %d: %w", page.Number, err)
		}
		for _, item := range page.Items {
			if limit > 0 && count >= limit {
				break
			}
			rec, ok := mapper(item)
			if !ok {
				continue
			}
			if err := b.Add(ctx, rec); err != nil {
				return err
			}
			count++
		}
		if err := b.Flush(ctx); err != nil {
			return err
		}

		r.cp.Pages[e] = page.Number
		r.cp.Counts[e] = count
		if err := r.saveCheckpoint(ctx); err != nil {
			return err
		}
		r.tracker.PageDone(ctx, e, page.Number, page.PageCount, count)
		r.heartbeat(ctx, HeartbeatDetails{Entity: e, Page: page.Number, Count: count})
		r.logger.Debug().
			Str("entity", string(e)).
			Int("page", page.Number).
			Int("count", count).
			Msg("page checkpointed")

		if limit > 0 && count >= limit {
			break
		}
		if page.HasMore {
			if err := sleep(ctx, r.o.opts.PageDelay); err != nil {
				return err
			}
		}
	}
	r.cp.Counts[e] = count
	return nil
}

func (r *run) query(page int, order, where string, modifiedSince bool) xero.Query {
	q := xero.Query{
		TenantID: r.job.TenantID,
		Order:    order,
		Where:    where,
		Page:     page,
	}
	if page > 0 {
		q.PageSize = r.o.opts.PageSize
	}
	if r.job.SyncFrom != nil {
		if modifiedSince {
			q.ModifiedSince = r.job.SyncFrom
		} else {
			q.Where = joinWhere(q.Where, xero.DateFilter("Date", *r.job.SyncFrom))
		}
	}
	return q
}

func joinWhere(clauses ...string) string {
	var parts []string
	for _, c := range clauses {
		if c != "" {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, " AND ")
}

func (r *run) loadLookups(ctx context.Context) (lookups, error) {
	banks, err := r.o.deps.Entities.BankAccountIDs(ctx, r.job.TenantID)
	if err != nil {
		return lookups{}, fmt.Errorf("load bank account index: %w", err)
	}
	contacts, err := r.o.deps.Entities.ContactIDs(ctx, r.job.TenantID)
	if err != nil {
		return lookups{}, fmt.Errorf("load contact index: %w", err)
	}
	return lookups{bankAccounts: banks, contacts: contacts}, nil
}

func (r *run) saveCheckpoint(ctx context.Context) error {
	if err := r.o.deps.Checkpoints.Save(ctx, r.job.SyncID, r.cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (r *run) heartbeat(ctx context.Context, details HeartbeatDetails) {
	if r.o.opts.Heartbeat != nil {
		r.o.opts.Heartbeat(ctx, details)
	}
}

func (r *run) skip(e models.Entity, externalID, reason string) {
	r.skipped[e]++
	r.logger.Warn().Str("entity", string(e)).Str("external_id", externalID).Msg("skipping record: " + reason)
}

// counts reports the selected entities only.
func (r *run) counts() map[models.Entity]int {
	out := make(map[models.Entity]int, len(r.job.Entities))
	if r.cp == nil {
		return out
	}
	for _, e := range r.job.Entities {
		if n, ok := r.cp.Counts[e]; ok {
			out[e] = n
		}
	}
	return out
}

func (r *run) fail(ctx context.Context, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
	defer cancel()

	counts := r.counts()
	r.logger.Error().
		Err(cause).
		Str("phase", string(r.current)).
		Interface("counts", counts).
		Msg("historical sync failed")

	r.tracker.Fail(ctx, cause)
	if err := r.o.deps.SyncLogs.MarkFailed(ctx, r.job.SyncID, cause.Error(), counts, r.o.now()); err != nil {
		r.logger.Error().Err(err).Msg("failed to record sync failure")
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

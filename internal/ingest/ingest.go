package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"juyuso/backend/internal/aggregate"
	"juyuso/backend/internal/coupon"
	"juyuso/backend/internal/domain"
	"juyuso/backend/internal/sheet"
	"juyuso/backend/internal/store"
)

// Pipeline turns one uploaded spreadsheet into committed row-store days,
// refreshed statistics and delta-adjusted customer state. Days are
// independent units of work: they run in parallel, fail independently, and
// a committed day stays committed when a later day fails or the job is
// cancelled.
type Pipeline struct {
	repo         store.Repository
	agg          *aggregate.Aggregator
	coupons      *coupon.Engine
	locks        *dayLocks
	workers      int
	lockAttempts int
	now          func() time.Time
}

type Options struct {
	Workers      int
	LockAttempts int
	Now          func() time.Time
}

func New(repo store.Repository, agg *aggregate.Aggregator, coupons *coupon.Engine, opts Options) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = 4
	}
	if opts.LockAttempts < 1 {
		opts.LockAttempts = 5
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{
		repo:         repo,
		agg:          agg,
		coupons:      coupons,
		locks:        newDayLocks(),
		workers:      opts.Workers,
		lockAttempts: opts.LockAttempts,
		now:          opts.Now,
	}
}

// Run ingests one spreadsheet bound to a TID. Row-level and day-level
// failures are collected into the report; only job-level problems (unknown
// TID, unreadable file) return an error.
func (p *Pipeline) Run(ctx context.Context, tid string, path string, sourceFile string) (domain.IngestReport, error) {
	station, err := p.repo.GetStationByTID(ctx, tid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.IngestReport{}, fmt.Errorf("unknown TID %q: %w", tid, err)
		}
		return domain.IngestReport{}, err
	}

	parsed, err := sheet.Parse(path, tid, sourceFile)
	if err != nil {
		return domain.IngestReport{}, err
	}

	report := domain.IngestReport{
		TID:          tid,
		SourceFile:   sourceFile,
		RowsAccepted: len(parsed.Rows),
		RowsRejected: parsed.Rejected,
		Warnings:     parsed.Warnings,
		DayErrors:    make(map[string]string),
	}

	byDay := make(map[string][]domain.Transaction)
	for _, row := range parsed.Rows {
		byDay[row.SaleDate] = append(byDay[row.SaleDate], row)
	}
	days := make([]string, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Strings(days)
	report.DaysTouched = days

	var reportMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, day := range days {
		day := day
		g.Go(func() error {
			// the job is cancellable at day boundaries only
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := p.processDay(gctx, station, tid, day, byDay[day]); err != nil {
				reportMu.Lock()
				report.DayErrors[day] = err.Error()
				report.RowsAccepted -= len(byDay[day])
				reportMu.Unlock()
				log.Printf("[ingest] day %s/%s failed: %v", tid, day, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	months := make(map[string]bool)
	for _, day := range days {
		if len(day) >= 7 {
			months[day[:7]] = true
		}
	}
	monthKeys := make([]string, 0, len(months))
	for m := range months {
		monthKeys = append(monthKeys, m)
	}
	sort.Strings(monthKeys)
	for _, yearMonth := range monthKeys {
		if _, err := p.agg.RecomputeMonth(ctx, tid, yearMonth); err != nil {
			return report, fmt.Errorf("recompute month %s: %w", yearMonth, err)
		}
	}

	if len(report.DayErrors) == 0 {
		report.DayErrors = nil
	}
	return report, nil
}

// processDay is the atomic unit of ingestion: replace the day's rows,
// recompute its stat, verify the stored stat against an independent fold,
// then apply delta side-effects. Failure after the replace rolls the day
// back to its previous rows.
func (p *Pipeline) processDay(ctx context.Context, station *domain.Station, tid string, date string, rows []domain.Transaction) error {
	release, err := p.locks.acquire(ctx, tid+"|"+date, p.lockAttempts)
	if err != nil {
		return err
	}
	defer release()

	oldRows, err := p.repo.ListDay(ctx, tid, date)
	if err != nil {
		return err
	}

	if err := p.repo.ReplaceDay(ctx, tid, date, rows); err != nil {
		return err
	}

	if err := p.recomputeAndVerify(ctx, tid, date); err != nil {
		p.rollbackDay(ctx, tid, date, oldRows)
		return err
	}

	if err := p.applySideEffects(ctx, station, tid, date, oldRows); err != nil {
		p.rollbackDay(ctx, tid, date, oldRows)
		return err
	}
	return nil
}

func (p *Pipeline) recomputeAndVerify(ctx context.Context, tid string, date string) error {
	stat, err := p.agg.RecomputeDay(ctx, tid, date)
	if err != nil {
		return err
	}
	if stat == nil {
		return nil
	}

	// post-write check: the persisted stat must equal an independent fold
	committed, err := p.repo.ListDay(ctx, tid, date)
	if err != nil {
		return err
	}
	stored, err := p.repo.GetDailyStat(ctx, tid, date)
	if err != nil {
		return err
	}
	expected := aggregate.FoldDay(tid, date, committed)
	if !aggregate.StatsEqual(*stored, expected) {
		return fmt.Errorf("daily stat for %s/%s disagrees with row fold: %w", tid, date, store.ErrInvariantViolation)
	}
	return nil
}

// rollbackDay restores the previous row set and its derived state. Best
// effort: a failing rollback is logged, not propagated, because the caller
// is already reporting the original day failure.
func (p *Pipeline) rollbackDay(ctx context.Context, tid string, date string, oldRows []domain.Transaction) {
	if err := p.repo.ReplaceDay(ctx, tid, date, oldRows); err != nil {
		log.Printf("[ingest] ERROR: rollback of %s/%s failed: %v", tid, date, err)
		return
	}
	if _, err := p.agg.RecomputeDay(ctx, tid, date); err != nil {
		log.Printf("[ingest] ERROR: rollback recompute of %s/%s failed: %v", tid, date, err)
	}
}

type customerDaySum struct {
	fuel decimal.Decimal
	cost decimal.Decimal
	rows []domain.Transaction
}

// appliedSideEffect records one customer's committed deltas so a failing
// pass can reverse exactly what landed.
type appliedSideEffect struct {
	customerID string
	delta      domain.FuelTotalsDelta
	cumulative decimal.Decimal
}

// applySideEffects rebuilds the day's visit history and adjusts fuel
// totals and the cumulative tracker by the difference between the new and
// old row sets. Re-ingesting identical rows therefore produces zero
// deltas, which keeps the whole job idempotent. On failure everything the
// pass already wrote is reverted before the error propagates, so the day's
// derived state is all-or-nothing.
func (p *Pipeline) applySideEffects(ctx context.Context, station *domain.Station, tid string, date string, oldRows []domain.Transaction) error {
	newRows, err := p.repo.ListDay(ctx, tid, date)
	if err != nil {
		return err
	}

	cardCache := make(map[string]*domain.Customer)
	oldSums, err := p.sumByCustomer(ctx, oldRows, cardCache)
	if err != nil {
		return err
	}
	newSums, err := p.sumByCustomer(ctx, newRows, cardCache)
	if err != nil {
		return err
	}

	var applied []appliedSideEffect
	visitsReplaced := false
	fail := func(err error) error {
		p.revertSideEffects(ctx, station, date, oldSums, applied, visitsReplaced)
		return err
	}

	if err := p.repo.DeleteVisitsForDay(ctx, station.ID, date); err != nil {
		return err
	}
	visitsReplaced = true
	if err := p.repo.InsertVisits(ctx, buildVisits(station, newSums)); err != nil {
		return fail(err)
	}

	currentMonth := p.now().UTC().Format("2006-01")
	sameMonth := len(date) >= 7 && date[:7] == currentMonth

	customerIDs := make(map[string]bool, len(oldSums)+len(newSums))
	for id := range oldSums {
		customerIDs[id] = true
	}
	for id := range newSums {
		customerIDs[id] = true
	}
	ordered := make([]string, 0, len(customerIDs))
	for id := range customerIDs {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)

	for _, customerID := range ordered {
		oldSum := oldSums[customerID]
		newSum := newSums[customerID]
		fuelDelta := newSum.fuel.Sub(oldSum.fuel)
		costDelta := newSum.cost.Sub(oldSum.cost)

		delta := domain.FuelTotalsDelta{
			FuelDelta: fuelDelta,
			CostDelta: costDelta,
		}
		if sameMonth {
			delta.MonthlyFuelDelta = fuelDelta
			delta.MonthlyCostDelta = costDelta
		}
		if len(newSum.rows) > 0 {
			last := latestRow(newSum.rows)
			delta.SetLast = true
			delta.LastFuel = last.Quantity
			delta.LastCost = last.TotalAmount
			delta.LastFuelDate = last.SaleDate
		}
		if err := p.repo.ApplyFuelTotalsDelta(ctx, customerID, delta); err != nil {
			return fail(err)
		}
		applied = append(applied, appliedSideEffect{customerID: customerID, delta: delta})

		if !costDelta.IsZero() {
			old, updated, err := p.repo.AddCumulative(ctx, customerID, station.ID, costDelta)
			if err != nil {
				return fail(err)
			}
			applied[len(applied)-1].cumulative = costDelta
			if _, err := p.coupons.OnCumulativeChange(ctx, customerID, station.ID, old, updated); err != nil {
				log.Printf("[ingest] WARN: cumulative coupon evaluation failed customer=%s: %v", customerID, err)
			}
		}
	}
	return nil
}

// revertSideEffects undoes a partially applied side-effect pass: committed
// fuel and cumulative deltas are negated in reverse order and the day's
// visits are rebuilt from the old row set. Best effort, same as
// rollbackDay. Coupons issued on a crossing that is being reverted stay
// issued; issuance is permanent per (customer, template).
func (p *Pipeline) revertSideEffects(ctx context.Context, station *domain.Station, date string, oldSums map[string]customerDaySum, applied []appliedSideEffect, visitsReplaced bool) {
	for i := len(applied) - 1; i >= 0; i-- {
		entry := applied[i]
		reverse := domain.FuelTotalsDelta{
			FuelDelta:        entry.delta.FuelDelta.Neg(),
			CostDelta:        entry.delta.CostDelta.Neg(),
			MonthlyFuelDelta: entry.delta.MonthlyFuelDelta.Neg(),
			MonthlyCostDelta: entry.delta.MonthlyCostDelta.Neg(),
		}
		if oldSum, ok := oldSums[entry.customerID]; ok && len(oldSum.rows) > 0 {
			last := latestRow(oldSum.rows)
			reverse.SetLast = true
			reverse.LastFuel = last.Quantity
			reverse.LastCost = last.TotalAmount
			reverse.LastFuelDate = last.SaleDate
		}
		if err := p.repo.ApplyFuelTotalsDelta(ctx, entry.customerID, reverse); err != nil {
			log.Printf("[ingest] ERROR: fuel totals revert failed customer=%s: %v", entry.customerID, err)
		}
		if !entry.cumulative.IsZero() {
			if _, _, err := p.repo.AddCumulative(ctx, entry.customerID, station.ID, entry.cumulative.Neg()); err != nil {
				log.Printf("[ingest] ERROR: cumulative revert failed customer=%s: %v", entry.customerID, err)
			}
		}
	}

	if visitsReplaced {
		if err := p.repo.DeleteVisitsForDay(ctx, station.ID, date); err != nil {
			log.Printf("[ingest] ERROR: visit revert failed station=%s date=%s: %v", station.ID, date, err)
			return
		}
		if err := p.repo.InsertVisits(ctx, buildVisits(station, oldSums)); err != nil {
			log.Printf("[ingest] ERROR: visit revert failed station=%s date=%s: %v", station.ID, date, err)
		}
	}
}

func buildVisits(station *domain.Station, sums map[string]customerDaySum) []domain.VisitHistory {
	visits := make([]domain.VisitHistory, 0, len(sums))
	for customerID, sum := range sums {
		for _, row := range sum.rows {
			visits = append(visits, domain.VisitHistory{
				CustomerID:     customerID,
				StationID:      station.ID,
				SaleDate:       row.SaleDate,
				SaleTime:       row.SaleTime,
				ApprovalNumber: row.ApprovalNumber,
				Product:        row.Product,
				FuelQuantity:   row.Quantity,
				SaleAmount:     row.TotalAmount,
			})
		}
	}
	return visits
}

// sumByCustomer folds a row set per registered customer. Rows whose bonus
// card matches nobody are skipped; lookups are memoized across old and new
// sets of the same day.
func (p *Pipeline) sumByCustomer(ctx context.Context, rows []domain.Transaction, cardCache map[string]*domain.Customer) (map[string]customerDaySum, error) {
	sums := make(map[string]customerDaySum)
	for _, row := range rows {
		if row.BonusCard == "" {
			continue
		}
		customer, cached := cardCache[row.BonusCard]
		if !cached {
			found, err := p.repo.FindCustomerByCard(ctx, row.BonusCard)
			if err != nil {
				if !errors.Is(err, store.ErrNotFound) {
					return nil, err
				}
				found = nil
			}
			cardCache[row.BonusCard] = found
			customer = found
		}
		if customer == nil {
			continue
		}

		sum := sums[customer.ID]
		sum.fuel = sum.fuel.Add(row.Quantity)
		sum.cost = sum.cost.Add(row.TotalAmount)
		sum.rows = append(sum.rows, row)
		sums[customer.ID] = sum
	}
	return sums, nil
}

func latestRow(rows []domain.Transaction) domain.Transaction {
	last := rows[0]
	for _, row := range rows[1:] {
		if row.SaleTime > last.SaleTime ||
			(row.SaleTime == last.SaleTime && row.ApprovalNumber > last.ApprovalNumber) {
			last = row
		}
	}
	return last
}

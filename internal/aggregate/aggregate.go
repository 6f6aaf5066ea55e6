package aggregate

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"juyuso/backend/internal/cache"
	"juyuso/backend/internal/domain"
	"juyuso/backend/internal/store"
)

// Aggregator recomputes daily and monthly statistics from the row store.
// It never applies incremental deltas: ingestion replaces whole days, and a
// full fold is the only definition that stays correct under re-uploads.
type Aggregator struct {
	repo  store.Repository
	cache cache.StatCache
}

func New(repo store.Repository, statCache cache.StatCache) *Aggregator {
	if statCache == nil {
		statCache = cache.NoopStatCache{}
	}
	return &Aggregator{repo: repo, cache: statCache}
}

// RecomputeDay folds the day's rows into a DailyStat and upserts it. An
// empty day deletes the stat. Returns the new stat, nil when deleted.
func (a *Aggregator) RecomputeDay(ctx context.Context, tid string, date string) (*domain.DailyStat, error) {
	rows, err := a.repo.ListDay(ctx, tid, date)
	if err != nil {
		return nil, fmt.Errorf("list day %s/%s: %w", tid, date, err)
	}

	if len(rows) == 0 {
		if err := a.repo.DeleteDailyStat(ctx, tid, date); err != nil {
			return nil, err
		}
		_ = a.cache.InvalidateDay(ctx, tid, date)
		return nil, nil
	}

	stat := FoldDay(tid, date, rows)
	if err := a.repo.UpsertDailyStat(ctx, stat); err != nil {
		return nil, fmt.Errorf("upsert daily stat %s/%s: %w", tid, date, err)
	}
	_ = a.cache.InvalidateDay(ctx, tid, date)
	return &stat, nil
}

// RecomputeMonth folds all rows of the month into a MonthlyStat, including
// the per-product breakdowns. An empty month deletes the stat.
func (a *Aggregator) RecomputeMonth(ctx context.Context, tid string, yearMonth string) (*domain.MonthlyStat, error) {
	rows, err := a.repo.ListMonth(ctx, tid, yearMonth)
	if err != nil {
		return nil, fmt.Errorf("list month %s/%s: %w", tid, yearMonth, err)
	}

	if len(rows) == 0 {
		if err := a.repo.DeleteMonthlyStat(ctx, tid, yearMonth); err != nil {
			return nil, err
		}
		_ = a.cache.InvalidateMonth(ctx, tid, yearMonth)
		return nil, nil
	}

	stat := FoldMonth(tid, yearMonth, rows)
	if err := a.repo.UpsertMonthlyStat(ctx, stat); err != nil {
		return nil, fmt.Errorf("upsert monthly stat %s/%s: %w", tid, yearMonth, err)
	}
	_ = a.cache.InvalidateMonth(ctx, tid, yearMonth)
	return &stat, nil
}

type fold struct {
	count      int
	quantity   decimal.Decimal
	amount     decimal.Decimal
	counts     map[string]int
	quantities map[string]decimal.Decimal
	amounts    map[string]decimal.Decimal
}

func foldRows(rows []domain.Transaction) fold {
	f := fold{
		counts:     make(map[string]int),
		quantities: make(map[string]decimal.Decimal),
		amounts:    make(map[string]decimal.Decimal),
	}
	for _, row := range rows {
		f.count++
		f.quantity = f.quantity.Add(row.Quantity)
		f.amount = f.amount.Add(row.TotalAmount)
		f.counts[row.Product]++
		f.quantities[row.Product] = f.quantities[row.Product].Add(row.Quantity)
		f.amounts[row.Product] = f.amounts[row.Product].Add(row.TotalAmount)
	}
	return f
}

// avgUnitPrice is total amount over total quantity at 2 fractional digits,
// zero when the quantity sums to zero.
func (f fold) avgUnitPrice() decimal.Decimal {
	if f.quantity.IsZero() {
		return decimal.Zero
	}
	return f.amount.DivRound(f.quantity, 2)
}

// topProduct picks the product with the highest row count; ties go to the
// lexicographically smallest name so the result is deterministic.
func (f fold) topProduct() (string, int) {
	names := make([]string, 0, len(f.counts))
	for name := range f.counts {
		names = append(names, name)
	}
	sort.Strings(names)

	best, bestCount := "", 0
	for _, name := range names {
		if f.counts[name] > bestCount {
			best, bestCount = name, f.counts[name]
		}
	}
	return best, bestCount
}

// FoldDay computes the DailyStat for a non-empty day. Exported so the
// ingestion pipeline can verify the stored stat against an independent
// fold after each write.
func FoldDay(tid string, date string, rows []domain.Transaction) domain.DailyStat {
	f := foldRows(rows)
	top, topCount := f.topProduct()

	sourceFile := ""
	if len(rows) > 0 {
		sourceFile = rows[len(rows)-1].SourceFile
	}

	return domain.DailyStat{
		TID:              tid,
		SaleDate:         date,
		TransactionCount: f.count,
		TotalQuantity:    f.quantity,
		TotalAmount:      f.amount,
		AvgUnitPrice:     f.avgUnitPrice(),
		TopProduct:       top,
		TopProductCount:  topCount,
		SourceFile:       sourceFile,
	}
}

// FoldMonth computes the MonthlyStat for a non-empty month.
func FoldMonth(tid string, yearMonth string, rows []domain.Transaction) domain.MonthlyStat {
	f := foldRows(rows)
	top, topCount := f.topProduct()

	return domain.MonthlyStat{
		TID:               tid,
		YearMonth:         yearMonth,
		TransactionCount:  f.count,
		TotalQuantity:     f.quantity,
		TotalAmount:       f.amount,
		AvgUnitPrice:      f.avgUnitPrice(),
		TopProduct:        top,
		TopProductCount:   topCount,
		ProductCounts:     f.counts,
		ProductQuantities: f.quantities,
		ProductAmounts:    f.amounts,
	}
}

// StatsEqual compares the five scalar aggregates of two daily stats using
// decimal equality (scale-insensitive).
func StatsEqual(a, b domain.DailyStat) bool {
	return a.TransactionCount == b.TransactionCount &&
		a.TotalQuantity.Equal(b.TotalQuantity) &&
		a.TotalAmount.Equal(b.TotalAmount) &&
		a.AvgUnitPrice.Equal(b.AvgUnitPrice) &&
		a.TopProduct == b.TopProduct &&
		a.TopProductCount == b.TopProductCount
}

package cache

import (
	"context"

	"juyuso/backend/internal/domain"
)

// StatCache is a read-through cache for derived statistics. The aggregator
// invalidates entries whenever it rewrites a stat row.
type StatCache interface {
	GetDaily(ctx context.Context, tid string, date string) (*domain.DailyStat, bool, error)
	SetDaily(ctx context.Context, stat *domain.DailyStat) error
	GetMonthly(ctx context.Context, tid string, yearMonth string) (*domain.MonthlyStat, bool, error)
	SetMonthly(ctx context.Context, stat *domain.MonthlyStat) error
	InvalidateDay(ctx context.Context, tid string, date string) error
	InvalidateMonth(ctx context.Context, tid string, yearMonth string) error
}

type NoopStatCache struct{}

func (NoopStatCache) GetDaily(_ context.Context, _ string, _ string) (*domain.DailyStat, bool, error) {
	return nil, false, nil
}

func (NoopStatCache) SetDaily(_ context.Context, _ *domain.DailyStat) error { return nil }

func (NoopStatCache) GetMonthly(_ context.Context, _ string, _ string) (*domain.MonthlyStat, bool, error) {
	return nil, false, nil
}

func (NoopStatCache) SetMonthly(_ context.Context, _ *domain.MonthlyStat) error { return nil }

func (NoopStatCache) InvalidateDay(_ context.Context, _ string, _ string) error { return nil }

func (NoopStatCache) InvalidateMonth(_ context.Context, _ string, _ string) error { return nil }

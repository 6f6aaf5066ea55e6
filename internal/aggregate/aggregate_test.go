package aggregate

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"juyuso/backend/internal/domain"
	"juyuso/backend/internal/store"
	"juyuso/backend/internal/store/memory"
)

func row(tid, date, saleTime, approval, product, quantity, amount string) domain.Transaction {
	return domain.Transaction{
		TID:            tid,
		SaleDate:       date,
		SaleTime:       saleTime,
		ApprovalNumber: approval,
		Product:        product,
		Quantity:       decimal.RequireFromString(quantity),
		TotalAmount:    decimal.RequireFromString(amount),
		PaymentType:    "card",
	}
}

func TestRecomputeDayFoldsAllRows(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	agg := New(repo, nil)

	rows := []domain.Transaction{
		row("T1001", "2025-07-01", "08:30", "A1", "휘발유", "20", "33000"),
		row("T1001", "2025-07-01", "09:10", "A2", "경유", "10", "14500"),
		row("T1001", "2025-07-01", "10:05", "A3", "휘발유", "5", "1000"),
	}
	if err := repo.ReplaceDay(ctx, "T1001", "2025-07-01", rows); err != nil {
		t.Fatalf("replace day: %v", err)
	}

	stat, err := agg.RecomputeDay(ctx, "T1001", "2025-07-01")
	if err != nil {
		t.Fatalf("recompute day: %v", err)
	}
	if stat.TransactionCount != 3 {
		t.Fatalf("expected count 3, got %d", stat.TransactionCount)
	}
	if !stat.TotalQuantity.Equal(decimal.NewFromInt(35)) {
		t.Fatalf("expected quantity 35, got %s", stat.TotalQuantity)
	}
	if !stat.TotalAmount.Equal(decimal.NewFromInt(48500)) {
		t.Fatalf("expected amount 48500, got %s", stat.TotalAmount)
	}
	if !stat.AvgUnitPrice.Equal(decimal.RequireFromString("1385.71")) {
		t.Fatalf("expected avg 1385.71, got %s", stat.AvgUnitPrice)
	}
	if stat.TopProduct != "휘발유" || stat.TopProductCount != 2 {
		t.Fatalf("expected top 휘발유/2, got %s/%d", stat.TopProduct, stat.TopProductCount)
	}

	stored, err := repo.GetDailyStat(ctx, "T1001", "2025-07-01")
	if err != nil {
		t.Fatalf("stored stat missing: %v", err)
	}
	if !StatsEqual(*stored, *stat) {
		t.Fatalf("stored stat disagrees with returned stat")
	}
}

func TestTopProductTieBreaksLexicographically(t *testing.T) {
	rows := []domain.Transaction{
		row("T1001", "2025-07-01", "08:00", "A1", "경유", "10", "14500"),
		row("T1001", "2025-07-01", "09:00", "A2", "휘발유", "10", "16500"),
	}

	stat := FoldDay("T1001", "2025-07-01", rows)
	if stat.TopProduct != "경유" {
		t.Fatalf("expected lexicographic winner 경유, got %q", stat.TopProduct)
	}
}

func TestFoldPreservesNegativeRows(t *testing.T) {
	rows := []domain.Transaction{
		row("T1001", "2025-07-01", "08:00", "A1", "휘발유", "20", "33000"),
		row("T1001", "2025-07-01", "10:00", "R1", "휘발유", "-20", "-33000"),
	}

	stat := FoldDay("T1001", "2025-07-01", rows)
	if stat.TransactionCount != 2 {
		t.Fatalf("refund rows must still count, got %d", stat.TransactionCount)
	}
	if !stat.TotalQuantity.IsZero() || !stat.TotalAmount.IsZero() {
		t.Fatalf("expected zero totals, got %s / %s", stat.TotalQuantity, stat.TotalAmount)
	}
	if !stat.AvgUnitPrice.IsZero() {
		t.Fatalf("avg must be zero when quantity is zero, got %s", stat.AvgUnitPrice)
	}
}

func TestRecomputeDayDeletesStatWhenDayEmpty(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	agg := New(repo, nil)

	rows := []domain.Transaction{row("T1001", "2025-07-01", "08:00", "A1", "휘발유", "20", "33000")}
	if err := repo.ReplaceDay(ctx, "T1001", "2025-07-01", rows); err != nil {
		t.Fatalf("replace day: %v", err)
	}
	if _, err := agg.RecomputeDay(ctx, "T1001", "2025-07-01"); err != nil {
		t.Fatalf("recompute: %v", err)
	}

	if err := repo.ReplaceDay(ctx, "T1001", "2025-07-01", nil); err != nil {
		t.Fatalf("empty replace: %v", err)
	}
	stat, err := agg.RecomputeDay(ctx, "T1001", "2025-07-01")
	if err != nil {
		t.Fatalf("recompute empty day: %v", err)
	}
	if stat != nil {
		t.Fatalf("expected nil stat for empty day, got %+v", stat)
	}
	if _, err := repo.GetDailyStat(ctx, "T1001", "2025-07-01"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected stat deleted, got err=%v", err)
	}
}

func TestRecomputeMonthBuildsBreakdowns(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	agg := New(repo, nil)

	day1 := []domain.Transaction{
		row("T1001", "2025-07-01", "08:00", "A1", "휘발유", "20", "33000"),
		row("T1001", "2025-07-01", "09:00", "A2", "경유", "10", "14500"),
	}
	day2 := []domain.Transaction{
		row("T1001", "2025-07-15", "12:00", "B1", "휘발유", "30", "49500"),
	}
	if err := repo.ReplaceDay(ctx, "T1001", "2025-07-01", day1); err != nil {
		t.Fatalf("replace day1: %v", err)
	}
	if err := repo.ReplaceDay(ctx, "T1001", "2025-07-15", day2); err != nil {
		t.Fatalf("replace day2: %v", err)
	}

	stat, err := agg.RecomputeMonth(ctx, "T1001", "2025-07")
	if err != nil {
		t.Fatalf("recompute month: %v", err)
	}
	if stat.TransactionCount != 3 {
		t.Fatalf("expected count 3, got %d", stat.TransactionCount)
	}
	if stat.ProductCounts["휘발유"] != 2 || stat.ProductCounts["경유"] != 1 {
		t.Fatalf("unexpected product counts %v", stat.ProductCounts)
	}
	if !stat.ProductQuantities["휘발유"].Equal(decimal.NewFromInt(50)) {
		t.Fatalf("unexpected 휘발유 quantity %s", stat.ProductQuantities["휘발유"])
	}
	if !stat.ProductAmounts["경유"].Equal(decimal.NewFromInt(14500)) {
		t.Fatalf("unexpected 경유 amount %s", stat.ProductAmounts["경유"])
	}
	if stat.TopProduct != "휘발유" {
		t.Fatalf("expected monthly top 휘발유, got %q", stat.TopProduct)
	}
}

func TestRecomputeMonthSplitsAtRollover(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	agg := New(repo, nil)

	july := []domain.Transaction{row("T1001", "2025-07-31", "23:50", "A1", "휘발유", "60", "100000")}
	august := []domain.Transaction{row("T1001", "2025-08-01", "00:10", "B1", "휘발유", "30", "50000")}
	if err := repo.ReplaceDay(ctx, "T1001", "2025-07-31", july); err != nil {
		t.Fatalf("replace july: %v", err)
	}
	if err := repo.ReplaceDay(ctx, "T1001", "2025-08-01", august); err != nil {
		t.Fatalf("replace august: %v", err)
	}

	julyStat, err := agg.RecomputeMonth(ctx, "T1001", "2025-07")
	if err != nil {
		t.Fatalf("recompute july: %v", err)
	}
	augustStat, err := agg.RecomputeMonth(ctx, "T1001", "2025-08")
	if err != nil {
		t.Fatalf("recompute august: %v", err)
	}
	if !julyStat.TotalAmount.Equal(decimal.NewFromInt(100000)) {
		t.Fatalf("july amount leaked across rollover: %s", julyStat.TotalAmount)
	}
	if !augustStat.TotalAmount.Equal(decimal.NewFromInt(50000)) {
		t.Fatalf("august amount leaked across rollover: %s", augustStat.TotalAmount)
	}
}

func TestRecomputeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	agg := New(repo, nil)

	rows := []domain.Transaction{
		row("T1001", "2025-07-01", "08:00", "A1", "휘발유", "20", "33000"),
		row("T1001", "2025-07-01", "09:00", "A2", "경유", "10", "14500"),
	}
	if err := repo.ReplaceDay(ctx, "T1001", "2025-07-01", rows); err != nil {
		t.Fatalf("replace day: %v", err)
	}

	first, err := agg.RecomputeDay(ctx, "T1001", "2025-07-01")
	if err != nil {
		t.Fatalf("first recompute: %v", err)
	}
	second, err := agg.RecomputeDay(ctx, "T1001", "2025-07-01")
	if err != nil {
		t.Fatalf("second recompute: %v", err)
	}
	if !StatsEqual(*first, *second) {
		t.Fatalf("recompute not idempotent: %+v vs %+v", first, second)
	}
}

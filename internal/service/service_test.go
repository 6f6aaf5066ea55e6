package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"juyuso/backend/internal/aggregate"
	"juyuso/backend/internal/coupon"
	"juyuso/backend/internal/domain"
	"juyuso/backend/internal/ingest"
	"juyuso/backend/internal/sheet"
	"juyuso/backend/internal/store"
	"juyuso/backend/internal/store/memory"
)

var testNow = func() time.Time { return time.Date(2025, 7, 20, 12, 0, 0, 0, time.UTC) }

func newTestService(t *testing.T) (*Service, *memory.Store, string) {
	t.Helper()
	ctx := context.Background()
	repo := memory.New()
	if _, err := repo.CreateStation(ctx, domain.Station{ID: "st-1", Name: "Main", TID: "T1001"}); err != nil {
		t.Fatalf("create station: %v", err)
	}
	if _, err := repo.CreateCustomer(ctx, domain.Customer{
		ID: "cust-kim", Name: "김철수", BonusCards: []string{"9000-0001"},
	}); err != nil {
		t.Fatalf("create customer: %v", err)
	}

	agg := aggregate.New(repo, nil)
	coupons := coupon.NewWithClock(repo, testNow)
	pipeline := ingest.New(repo, agg, coupons, ingest.Options{Workers: 2, LockAttempts: 2, Now: testNow})
	base := t.TempDir()
	return New(repo, agg, pipeline, coupons, nil, base), repo, base
}

func writeSource(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	rows := [][]string{
		sheet.DataRow("2025/07/01", "08:30", "김철수", "휘발유", "20", "1650", "33000", "A1001", "9000-0001"),
		sheet.DataRow("2025/07/01", "09:10", "", "경유", "10", "1450", "14500", "A1002", ""),
	}
	if err := sheet.Write(path, rows); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func asAdmin(ctx context.Context) context.Context {
	return WithActor(ctx, domain.Actor{Username: "admin", Role: "admin"})
}

func TestIngestStoresUploadAndCommitsDay(t *testing.T) {
	ctx := context.Background()
	svc, repo, base := newTestService(t)
	src := writeSource(t, "july.xlsx")

	report, err := svc.Ingest(ctx, "T1001", src)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if report.RowsAccepted != 2 || len(report.DayErrors) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}

	stored := filepath.Join(base, "upload", "T1001", "july_T1001.xlsx")
	if _, err := os.Stat(stored); err != nil {
		t.Fatalf("upload copy missing at %s: %v", stored, err)
	}

	stat, err := svc.GetDailyStat(ctx, "T1001", "2025-07-01")
	if err != nil {
		t.Fatalf("daily stat: %v", err)
	}
	if stat.TransactionCount != 2 || !stat.TotalAmount.Equal(decimal.NewFromInt(47500)) {
		t.Fatalf("unexpected stat %+v", stat)
	}

	totals, err := repo.GetFuelTotals(ctx, "cust-kim")
	if err != nil {
		t.Fatalf("fuel totals: %v", err)
	}
	if !totals.TotalCost.Equal(decimal.NewFromInt(33000)) {
		t.Fatalf("unexpected totals %+v", totals)
	}
}

func TestIngestRejectsDuplicateUploadBeforeStateChange(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newTestService(t)

	if _, err := svc.Ingest(ctx, "T1001", writeSource(t, "july.xlsx")); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	before, err := repo.ListDay(ctx, "T1001", "2025-07-01")
	if err != nil {
		t.Fatalf("list day: %v", err)
	}

	// different source path but the same final name maps to the same
	// upload destination
	_, err = svc.Ingest(ctx, "T1001", writeSource(t, "july.xlsx"))
	if !errors.Is(err, store.ErrDuplicateUpload) {
		t.Fatalf("expected ErrDuplicateUpload, got %v", err)
	}

	after, err := repo.ListDay(ctx, "T1001", "2025-07-01")
	if err != nil {
		t.Fatalf("list day: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("rejected upload changed state: %d -> %d rows", len(before), len(after))
	}
}

func TestIngestRejectsUnknownTID(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.Ingest(context.Background(), "T9999", writeSource(t, "july.xlsx")); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown TID, got %v", err)
	}
}

func TestAdminGating(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	calls := []struct {
		name string
		call func(ctx context.Context) error
	}{
		{"rekey", func(ctx context.Context) error { return svc.RekeyTID(ctx, "T1001", "T2002") }},
		{"create station", func(ctx context.Context) error {
			_, err := svc.CreateStation(ctx, domain.Station{ID: "st-2", Name: "Second", TID: "T3003"})
			return err
		}},
		{"set quota", func(ctx context.Context) error { return svc.SetQuota(ctx, "st-1", 10) }},
		{"register card", func(ctx context.Context) error {
			return svc.RegisterCustomerCard(ctx, "cust-kim", "9000-0009")
		}},
	}

	for _, tc := range calls {
		if err := tc.call(ctx); err == nil || !strings.Contains(err.Error(), "admin role required") {
			t.Fatalf("%s without actor: expected admin gate, got %v", tc.name, err)
		}
		operatorCtx := WithActor(ctx, domain.Actor{Username: "op", Role: "operator"})
		if err := tc.call(operatorCtx); err == nil || !strings.Contains(err.Error(), "admin role required") {
			t.Fatalf("%s as operator: expected admin gate, got %v", tc.name, err)
		}
		if err := tc.call(asAdmin(ctx)); err != nil {
			t.Fatalf("%s as admin: %v", tc.name, err)
		}
	}
}

func TestRekeyTIDMovesStats(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	if _, err := svc.Ingest(ctx, "T1001", writeSource(t, "july.xlsx")); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if err := svc.RekeyTID(asAdmin(ctx), "T1001", "T2002"); err != nil {
		t.Fatalf("rekey: %v", err)
	}

	if _, err := svc.GetDailyStat(ctx, "T1001", "2025-07-01"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("old TID still resolves: %v", err)
	}
	stat, err := svc.GetDailyStat(ctx, "T2002", "2025-07-01")
	if err != nil {
		t.Fatalf("new TID stat: %v", err)
	}
	if stat.TransactionCount != 2 {
		t.Fatalf("unexpected stat after rekey %+v", stat)
	}
}

func TestGetDailyStatPrefersCacheHit(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	cached := &domain.DailyStat{TID: "T1001", SaleDate: "2025-07-01", TransactionCount: 99}
	svc := New(repo, aggregate.New(repo, nil), nil, nil, stubCache{daily: cached}, t.TempDir())

	stat, err := svc.GetDailyStat(ctx, "T1001", "2025-07-01")
	if err != nil {
		t.Fatalf("cached read: %v", err)
	}
	if stat.TransactionCount != 99 {
		t.Fatalf("expected cached stat, got %+v", stat)
	}
}

func TestOnCustomerLinkedIssuesSignupCoupon(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newTestService(t)
	if _, err := repo.CreateAutoTemplate(ctx, domain.AutoCouponTemplate{
		ID: "atpl-signup", StationID: "st-1", Name: "가입 쿠폰",
		Kind: domain.AutoCouponSignup, Active: true,
	}); err != nil {
		t.Fatalf("create template: %v", err)
	}

	issued, err := svc.OnCustomerLinked(ctx, "cust-kim", "st-1")
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if issued != 1 {
		t.Fatalf("expected 1 coupon, got %d", issued)
	}
	issued, err = svc.OnCustomerLinked(ctx, "cust-kim", "st-1")
	if err != nil {
		t.Fatalf("repeat link: %v", err)
	}
	if issued != 0 {
		t.Fatalf("repeat link issued %d", issued)
	}
}

type stubCache struct {
	daily *domain.DailyStat
}

func (c stubCache) GetDaily(_ context.Context, _ string, _ string) (*domain.DailyStat, bool, error) {
	return c.daily, c.daily != nil, nil
}

func (stubCache) SetDaily(_ context.Context, _ *domain.DailyStat) error { return nil }

func (stubCache) GetMonthly(_ context.Context, _ string, _ string) (*domain.MonthlyStat, bool, error) {
	return nil, false, nil
}

func (stubCache) SetMonthly(_ context.Context, _ *domain.MonthlyStat) error { return nil }

func (stubCache) InvalidateDay(_ context.Context, _ string, _ string) error { return nil }

func (stubCache) InvalidateMonth(_ context.Context, _ string, _ string) error { return nil }

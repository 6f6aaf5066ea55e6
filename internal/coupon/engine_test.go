package coupon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"juyuso/backend/internal/domain"
	"juyuso/backend/internal/store"
	"juyuso/backend/internal/store/memory"
)

var augustNow = func() time.Time { return time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC) }

func seedRepo(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	repo := memory.New()
	if _, err := repo.CreateStation(ctx, domain.Station{ID: "st-1", Name: "Main", TID: "T1001"}); err != nil {
		t.Fatalf("create station: %v", err)
	}
	for _, c := range []domain.Customer{
		{ID: "cust-a", Name: "A", BonusCards: []string{"9000-0001"}},
		{ID: "cust-b", Name: "B", BonusCards: []string{"9000-0002"}},
		{ID: "cust-d", Name: "D", BonusCards: []string{"9000-0004"}},
	} {
		if _, err := repo.CreateCustomer(ctx, c); err != nil {
			t.Fatalf("create customer %s: %v", c.ID, err)
		}
	}
	return repo
}

func addMonthRows(t *testing.T, repo *memory.Store, date string, card string, amount string, approval string) {
	t.Helper()
	ctx := context.Background()
	existing, err := repo.ListDay(ctx, "T1001", date)
	if err != nil {
		t.Fatalf("list day: %v", err)
	}
	rows := append(existing, domain.Transaction{
		TID:            "T1001",
		SaleDate:       date,
		SaleTime:       "10:00",
		ApprovalNumber: approval,
		Product:        "휘발유",
		Quantity:       decimal.NewFromInt(10),
		TotalAmount:    decimal.RequireFromString(amount),
		PaymentType:    "card",
		BonusCard:      card,
	})
	if err := repo.ReplaceDay(ctx, "T1001", date, rows); err != nil {
		t.Fatalf("replace day: %v", err)
	}
}

func TestOnCustomerLinkedIssuesSignupOnce(t *testing.T) {
	ctx := context.Background()
	repo := seedRepo(t)
	if _, err := repo.CreateAutoTemplate(ctx, domain.AutoCouponTemplate{
		ID: "atpl-signup", StationID: "st-1", Name: "가입 쿠폰",
		Kind: domain.AutoCouponSignup, ValidityDays: 30, Active: true,
	}); err != nil {
		t.Fatalf("create template: %v", err)
	}
	engine := NewWithClock(repo, augustNow)

	issued, err := engine.OnCustomerLinked(ctx, "cust-a", "st-1")
	if err != nil {
		t.Fatalf("first link: %v", err)
	}
	if issued != 1 {
		t.Fatalf("expected 1 signup coupon, got %d", issued)
	}

	issued, err = engine.OnCustomerLinked(ctx, "cust-a", "st-1")
	if err != nil {
		t.Fatalf("repeat link: %v", err)
	}
	if issued != 0 {
		t.Fatalf("repeat link must not re-issue, got %d", issued)
	}

	coupons, _ := repo.ListCouponsByCustomer(ctx, "cust-a")
	if len(coupons) != 1 {
		t.Fatalf("expected 1 coupon, got %d", len(coupons))
	}
	if coupons[0].ExpiryDate == nil || !coupons[0].ExpiryDate.Equal(augustNow().AddDate(0, 0, 30)) {
		t.Fatalf("expected 30-day expiry, got %v", coupons[0].ExpiryDate)
	}
}

func TestOnCumulativeChangeIssuesOnUpwardCrossOnly(t *testing.T) {
	ctx := context.Background()
	repo := seedRepo(t)
	if _, err := repo.CreateAutoTemplate(ctx, domain.AutoCouponTemplate{
		ID: "atpl-cum", StationID: "st-1", Name: "10만원 누적",
		Kind: domain.AutoCouponCumulative, ThresholdAmount: decimal.NewFromInt(100000), Active: true,
	}); err != nil {
		t.Fatalf("create template: %v", err)
	}
	engine := NewWithClock(repo, augustNow)

	issued, err := engine.OnCumulativeChange(ctx, "cust-a", "st-1",
		decimal.NewFromInt(99000), decimal.NewFromInt(101000))
	if err != nil {
		t.Fatalf("crossing change: %v", err)
	}
	if issued != 1 {
		t.Fatalf("expected issuance on upward cross, got %d", issued)
	}

	// oscillation around the threshold never re-issues
	cases := []struct{ old, updated int64 }{
		{101000, 95000},
		{95000, 120000},
		{120000, 120000},
	}
	for _, tc := range cases {
		issued, err := engine.OnCumulativeChange(ctx, "cust-a", "st-1",
			decimal.NewFromInt(tc.old), decimal.NewFromInt(tc.updated))
		if err != nil {
			t.Fatalf("change %d->%d: %v", tc.old, tc.updated, err)
		}
		if issued != 0 {
			t.Fatalf("change %d->%d re-issued", tc.old, tc.updated)
		}
	}

	if issued, _ := engine.OnCumulativeChange(ctx, "cust-b", "st-1",
		decimal.Zero, decimal.NewFromInt(50000)); issued != 0 {
		t.Fatalf("issued below threshold")
	}
}

func TestProcessMonthlyIssuesPerBucketOnce(t *testing.T) {
	ctx := context.Background()
	repo := seedRepo(t)
	if _, err := repo.CreateAutoTemplate(ctx, domain.AutoCouponTemplate{
		ID: "atpl-month", StationID: "st-1", Name: "월 30만원",
		Kind: domain.AutoCouponMonthly, ThresholdAmount: decimal.NewFromInt(300000), Active: true,
	}); err != nil {
		t.Fatalf("create template: %v", err)
	}
	engine := NewWithClock(repo, augustNow)

	// A qualifies and is linked; B qualifies but is not linked;
	// D is linked but stays below the threshold.
	if _, err := repo.LinkCustomerStation(ctx, "cust-a", "st-1"); err != nil {
		t.Fatalf("link a: %v", err)
	}
	if _, err := repo.LinkCustomerStation(ctx, "cust-d", "st-1"); err != nil {
		t.Fatalf("link d: %v", err)
	}
	addMonthRows(t, repo, "2025-07-05", "9000-0001", "200000", "A1")
	addMonthRows(t, repo, "2025-07-20", "9000-0001", "150000", "A2")
	addMonthRows(t, repo, "2025-07-10", "9000-0002", "400000", "B1")
	addMonthRows(t, repo, "2025-07-12", "9000-0004", "100000", "D1")

	report, err := engine.ProcessMonthly(ctx, "", "", false)
	if err != nil {
		t.Fatalf("monthly run: %v", err)
	}
	if report.YearMonth != "2025-07" {
		t.Fatalf("default target must be previous month, got %s", report.YearMonth)
	}
	if report.Issued != 1 {
		t.Fatalf("expected 1 issuance, got %+v", report)
	}
	if report.Skipped != 1 {
		t.Fatalf("unlinked qualifier must be skipped, got %+v", report)
	}

	coupons, _ := repo.ListCouponsByCustomer(ctx, "cust-a")
	if len(coupons) != 1 || coupons[0].PeriodBucket != "2025-08" {
		t.Fatalf("expected coupon in issue-month bucket, got %+v", coupons)
	}
	if got, _ := repo.ListCouponsByCustomer(ctx, "cust-b"); len(got) != 0 {
		t.Fatalf("unlinked customer received coupon")
	}
	if got, _ := repo.ListCouponsByCustomer(ctx, "cust-d"); len(got) != 0 {
		t.Fatalf("below-threshold customer received coupon")
	}

	// same run twice in the same issue month is a no-op
	again, err := engine.ProcessMonthly(ctx, "2025-07", "st-1", false)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if again.Issued != 0 || again.Skipped != 2 {
		t.Fatalf("second run must skip everyone, got %+v", again)
	}
	coupons, _ = repo.ListCouponsByCustomer(ctx, "cust-a")
	if len(coupons) != 1 {
		t.Fatalf("second run duplicated coupon")
	}
}

func TestProcessMonthlyBoundarySumQualifies(t *testing.T) {
	ctx := context.Background()
	repo := seedRepo(t)
	if _, err := repo.CreateAutoTemplate(ctx, domain.AutoCouponTemplate{
		ID: "atpl-month", StationID: "st-1", Name: "월 5만원",
		Kind: domain.AutoCouponMonthly, ThresholdAmount: decimal.NewFromInt(50000), Active: true,
	}); err != nil {
		t.Fatalf("create template: %v", err)
	}
	if _, err := repo.LinkCustomerStation(ctx, "cust-a", "st-1"); err != nil {
		t.Fatalf("link a: %v", err)
	}
	if _, err := repo.LinkCustomerStation(ctx, "cust-d", "st-1"); err != nil {
		t.Fatalf("link d: %v", err)
	}
	addMonthRows(t, repo, "2025-07-05", "9000-0001", "50000", "A1")
	addMonthRows(t, repo, "2025-07-06", "9000-0004", "49999", "D1")
	engine := NewWithClock(repo, augustNow)

	report, err := engine.ProcessMonthly(ctx, "2025-07", "", false)
	if err != nil {
		t.Fatalf("monthly run: %v", err)
	}
	if report.Issued != 1 {
		t.Fatalf("sum equal to threshold must qualify, got %+v", report)
	}
	if got, _ := repo.ListCouponsByCustomer(ctx, "cust-d"); len(got) != 0 {
		t.Fatalf("sum one under threshold must not qualify")
	}
}

func TestProcessMonthlyDryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	repo := seedRepo(t)
	if _, err := repo.CreateAutoTemplate(ctx, domain.AutoCouponTemplate{
		ID: "atpl-month", StationID: "st-1", Name: "월 30만원",
		Kind: domain.AutoCouponMonthly, ThresholdAmount: decimal.NewFromInt(300000), Active: true,
	}); err != nil {
		t.Fatalf("create template: %v", err)
	}
	if _, err := repo.LinkCustomerStation(ctx, "cust-a", "st-1"); err != nil {
		t.Fatalf("link: %v", err)
	}
	addMonthRows(t, repo, "2025-07-05", "9000-0001", "350000", "A1")
	engine := NewWithClock(repo, augustNow)

	report, err := engine.ProcessMonthly(ctx, "2025-07", "", true)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if report.Issued != 1 || !report.DryRun {
		t.Fatalf("unexpected dry-run report %+v", report)
	}
	if coupons, _ := repo.ListCouponsByCustomer(ctx, "cust-a"); len(coupons) != 0 {
		t.Fatalf("dry run persisted a coupon")
	}
}

func TestIssueManualConsumesQuota(t *testing.T) {
	ctx := context.Background()
	repo := seedRepo(t)
	if err := repo.SetQuota(ctx, "st-1", 1); err != nil {
		t.Fatalf("set quota: %v", err)
	}
	if _, err := repo.CreateManualTemplate(ctx, domain.CouponTemplate{
		ID: "tpl-wash", StationID: "st-1", Name: "세차 쿠폰",
	}); err != nil {
		t.Fatalf("create template: %v", err)
	}
	engine := NewWithClock(repo, augustNow)

	first, err := engine.IssueManual(ctx, "cust-a", "tpl-wash")
	if err != nil {
		t.Fatalf("first issue: %v", err)
	}
	if first.TemplateID != "tpl-wash" || first.Status != domain.CouponAvailable {
		t.Fatalf("unexpected coupon %+v", first)
	}

	quota, _ := repo.GetQuota(ctx, "st-1")
	if quota.UsedQuota != 1 {
		t.Fatalf("quota not consumed: %+v", quota)
	}

	if _, err := engine.IssueManual(ctx, "cust-b", "tpl-wash"); !errors.Is(err, store.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if coupons, _ := repo.ListCouponsByCustomer(ctx, "cust-b"); len(coupons) != 0 {
		t.Fatalf("coupon issued despite exhausted quota")
	}
}

// couponFailRepo fails coupon inserts to exercise quota compensation.
type couponFailRepo struct {
	store.Repository
}

func (r *couponFailRepo) CreateCoupon(_ context.Context, _ domain.CustomerCoupon) (*domain.CustomerCoupon, error) {
	return nil, errors.New("induced insert failure")
}

func TestIssueManualReleasesQuotaWhenInsertFails(t *testing.T) {
	ctx := context.Background()
	inner := seedRepo(t)
	if err := inner.SetQuota(ctx, "st-1", 1); err != nil {
		t.Fatalf("set quota: %v", err)
	}
	if _, err := inner.CreateManualTemplate(ctx, domain.CouponTemplate{
		ID: "tpl-wash", StationID: "st-1", Name: "세차 쿠폰",
	}); err != nil {
		t.Fatalf("create template: %v", err)
	}
	engine := NewWithClock(&couponFailRepo{Repository: inner}, augustNow)

	if _, err := engine.IssueManual(ctx, "cust-a", "tpl-wash"); err == nil {
		t.Fatalf("expected insert failure to propagate")
	}

	quota, err := inner.GetQuota(ctx, "st-1")
	if err != nil {
		t.Fatalf("get quota: %v", err)
	}
	if quota.UsedQuota != 0 {
		t.Fatalf("failed issuance leaked a quota unit: %+v", quota)
	}

	// the unit is still usable afterwards
	healthy := NewWithClock(inner, augustNow)
	if _, err := healthy.IssueManual(ctx, "cust-a", "tpl-wash"); err != nil {
		t.Fatalf("issue after release: %v", err)
	}
}

func TestUseCouponTransitions(t *testing.T) {
	ctx := context.Background()
	repo := seedRepo(t)
	if _, err := repo.CreateAutoTemplate(ctx, domain.AutoCouponTemplate{
		ID: "atpl-signup", StationID: "st-1", Name: "가입 쿠폰",
		Kind: domain.AutoCouponSignup, Active: true,
	}); err != nil {
		t.Fatalf("create template: %v", err)
	}
	engine := NewWithClock(repo, augustNow)
	if _, err := engine.OnCustomerLinked(ctx, "cust-a", "st-1"); err != nil {
		t.Fatalf("link: %v", err)
	}
	coupons, _ := repo.ListCouponsByCustomer(ctx, "cust-a")
	couponID := coupons[0].ID

	if _, err := engine.Use(ctx, "cust-b", couponID, decimal.NewFromInt(5000)); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("foreign coupon must look not found, got %v", err)
	}

	used, err := engine.Use(ctx, "cust-a", couponID, decimal.NewFromInt(5000))
	if err != nil {
		t.Fatalf("use: %v", err)
	}
	if used.Status != domain.CouponUsed || used.UsedDate == nil {
		t.Fatalf("unexpected used coupon %+v", used)
	}

	if _, err := engine.Use(ctx, "cust-a", couponID, decimal.NewFromInt(5000)); err == nil {
		t.Fatalf("double use must fail")
	}

	tpl, _ := repo.GetAutoTemplate(ctx, "atpl-signup")
	if tpl.TotalUsed != 1 {
		t.Fatalf("used counter not bumped: %+v", tpl)
	}
}

func TestLazyExpiry(t *testing.T) {
	ctx := context.Background()
	repo := seedRepo(t)
	if _, err := repo.CreateAutoTemplate(ctx, domain.AutoCouponTemplate{
		ID: "atpl-signup", StationID: "st-1", Name: "가입 쿠폰",
		Kind: domain.AutoCouponSignup, ValidityDays: 10, Active: true,
	}); err != nil {
		t.Fatalf("create template: %v", err)
	}

	clock := augustNow()
	engine := NewWithClock(repo, func() time.Time { return clock })
	if _, err := engine.OnCustomerLinked(ctx, "cust-a", "st-1"); err != nil {
		t.Fatalf("link: %v", err)
	}

	clock = clock.AddDate(0, 0, 11)
	coupons, err := engine.ListForCustomer(ctx, "cust-a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if coupons[0].Status != domain.CouponExpired {
		t.Fatalf("expected lazy expiry, got %s", coupons[0].Status)
	}

	// persisted, not just decorated
	stored, _ := repo.GetCoupon(ctx, coupons[0].ID)
	if stored.Status != domain.CouponExpired {
		t.Fatalf("expiry not persisted: %s", stored.Status)
	}

	if _, err := engine.Use(ctx, "cust-a", coupons[0].ID, decimal.Zero); err == nil {
		t.Fatalf("expired coupon must not be usable")
	}
}

func TestCreateAutoTemplateValidatesCondition(t *testing.T) {
	ctx := context.Background()
	repo := seedRepo(t)
	engine := NewWithClock(repo, augustNow)

	tpl, err := engine.CreateAutoTemplate(ctx, domain.AutoTemplateCreateRequest{
		StationID: "st-1",
		Name:      "10만원 누적",
		Kind:      domain.AutoCouponCumulative,
		Condition: map[string]any{"threshold_amount": "100000", "validity_days": 14},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !tpl.ThresholdAmount.Equal(decimal.NewFromInt(100000)) || tpl.ValidityDays != 14 || !tpl.Active {
		t.Fatalf("unexpected template %+v", tpl)
	}

	if _, err := engine.CreateAutoTemplate(ctx, domain.AutoTemplateCreateRequest{
		StationID: "st-1",
		Name:      "broken",
		Kind:      domain.AutoCouponCumulative,
		Condition: map[string]any{"threshold_amount": "100000", "minimum_visits": 3},
	}); err == nil {
		t.Fatalf("unknown condition field must be rejected")
	}

	if _, err := engine.CreateAutoTemplate(ctx, domain.AutoTemplateCreateRequest{
		StationID: "st-1",
		Name:      "zero",
		Kind:      domain.AutoCouponMonthly,
		Condition: map[string]any{"threshold_amount": "0"},
	}); err == nil {
		t.Fatalf("non-positive threshold must be rejected")
	}

	if _, err := engine.CreateAutoTemplate(ctx, domain.AutoTemplateCreateRequest{
		StationID: "st-missing",
		Name:      "nostation",
		Kind:      domain.AutoCouponSignup,
	}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown station must be rejected, got %v", err)
	}
}

package coupon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"juyuso/backend/internal/domain"
	"juyuso/backend/internal/store"
	"juyuso/backend/internal/xid"
)

// Engine evaluates automatic issuance rules over aggregator and tracker
// outputs. Signup and cumulative coupons are unique per (customer,
// template) forever; monthly coupons are unique per (customer, template,
// calendar month of issue). Automatic kinds never consume station quota.
type Engine struct {
	repo store.Repository
	now  func() time.Time
}

func New(repo store.Repository) *Engine {
	return NewWithClock(repo, time.Now)
}

func NewWithClock(repo store.Repository, now func() time.Time) *Engine {
	return &Engine{repo: repo, now: now}
}

// OnCustomerLinked issues one coupon per active signup template at the
// station that the customer does not already hold. Safe to call any number
// of times. Returns the number of coupons issued.
func (e *Engine) OnCustomerLinked(ctx context.Context, customerID string, stationID string) (int, error) {
	templates, err := e.repo.ListAutoTemplates(ctx, stationID, domain.AutoCouponSignup, true)
	if err != nil {
		return 0, err
	}

	issued := 0
	for _, tpl := range templates {
		ok, err := e.issueOnce(ctx, tpl, customerID, domain.PeriodBucketAny)
		if err != nil {
			return issued, err
		}
		if ok {
			issued++
		}
	}
	return issued, nil
}

// OnCumulativeChange evaluates cumulative templates after the tracker moved
// from old to updated. A template issues when its threshold was crossed
// upward by this change and the customer holds no coupon for it yet;
// oscillations from later adjustments never re-issue.
func (e *Engine) OnCumulativeChange(ctx context.Context, customerID string, stationID string, old decimal.Decimal, updated decimal.Decimal) (int, error) {
	if updated.LessThanOrEqual(old) {
		return 0, nil
	}
	templates, err := e.repo.ListAutoTemplates(ctx, stationID, domain.AutoCouponCumulative, true)
	if err != nil {
		return 0, err
	}

	issued := 0
	for _, tpl := range templates {
		if old.GreaterThanOrEqual(tpl.ThresholdAmount) || updated.LessThan(tpl.ThresholdAmount) {
			continue
		}
		ok, err := e.issueOnce(ctx, tpl, customerID, domain.PeriodBucketAny)
		if err != nil {
			return issued, err
		}
		if ok {
			issued++
		}
	}
	return issued, nil
}

// ProcessMonthly runs the scheduled monthly rule for the target sales
// month (previous calendar month when empty). Per-customer failures are
// collected into the report, not fatal; the run itself only fails on
// station or template enumeration errors.
func (e *Engine) ProcessMonthly(ctx context.Context, yearMonth string, stationID string, dryRun bool) (domain.IssuanceReport, error) {
	if yearMonth == "" {
		yearMonth = e.now().UTC().AddDate(0, -1, 0).Format("2006-01")
	}
	report := domain.IssuanceReport{YearMonth: yearMonth, DryRun: dryRun}

	var stations []domain.Station
	if stationID != "" {
		station, err := e.repo.GetStation(ctx, stationID)
		if err != nil {
			return report, err
		}
		stations = []domain.Station{*station}
	} else {
		all, err := e.repo.ListStations(ctx)
		if err != nil {
			return report, err
		}
		stations = all
	}

	issueBucket := e.now().UTC().Format("2006-01")

	for _, station := range stations {
		templates, err := e.repo.ListAutoTemplates(ctx, station.ID, domain.AutoCouponMonthly, true)
		if err != nil {
			return report, err
		}
		if len(templates) == 0 {
			continue
		}

		sums, err := e.monthlySumsByCustomer(ctx, station.TID, yearMonth)
		if err != nil {
			return report, err
		}

		for _, tpl := range templates {
			for _, entry := range sums {
				if entry.amount.LessThan(tpl.ThresholdAmount) {
					continue
				}
				linked, err := e.repo.IsCustomerLinked(ctx, entry.customerID, station.ID)
				if err != nil {
					report.Failures = append(report.Failures, domain.IssuanceFailure{
						CustomerID: entry.customerID,
						TemplateID: tpl.ID,
						Reason:     err.Error(),
					})
					continue
				}
				if !linked {
					report.Skipped++
					continue
				}
				if dryRun {
					has, err := e.repo.HasCoupon(ctx, entry.customerID, tpl.ID, issueBucket)
					if err == nil && !has {
						report.Issued++
					} else {
						report.Skipped++
					}
					continue
				}
				ok, err := e.issueOnce(ctx, tpl, entry.customerID, issueBucket)
				if err != nil {
					log.Printf("[coupon] monthly issuance failed customer=%s template=%s: %v", entry.customerID, tpl.ID, err)
					report.Failures = append(report.Failures, domain.IssuanceFailure{
						CustomerID: entry.customerID,
						TemplateID: tpl.ID,
						Reason:     err.Error(),
					})
					continue
				}
				if ok {
					report.Issued++
				} else {
					report.Skipped++
				}
			}
		}
	}
	return report, nil
}

type customerSum struct {
	customerID string
	amount     decimal.Decimal
}

// monthlySumsByCustomer folds the station-month card sums onto registered
// customers, combining multiple cards of the same customer. Cards that
// match no registered customer are dropped. Result order is deterministic
// (the store returns card sums from sorted row iteration; we re-sort by
// customer id).
func (e *Engine) monthlySumsByCustomer(ctx context.Context, tid string, yearMonth string) ([]customerSum, error) {
	cardSums, err := e.repo.MonthlyAmountByCard(ctx, tid, yearMonth)
	if err != nil {
		return nil, err
	}

	byCustomer := make(map[string]decimal.Decimal)
	for card, amount := range cardSums {
		customer, err := e.repo.FindCustomerByCard(ctx, card)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		byCustomer[customer.ID] = byCustomer[customer.ID].Add(amount)
	}

	sums := make([]customerSum, 0, len(byCustomer))
	for customerID, amount := range byCustomer {
		sums = append(sums, customerSum{customerID: customerID, amount: amount})
	}
	slices.SortFunc(sums, func(a, b customerSum) int {
		return strings.Compare(a.customerID, b.customerID)
	})
	return sums, nil
}

// issueOnce creates one available coupon for (customer, template, bucket)
// unless one already exists. Duplicate races surface as ErrDuplicateCoupon
// from the store and are treated as a silent skip.
func (e *Engine) issueOnce(ctx context.Context, tpl domain.AutoCouponTemplate, customerID string, bucket string) (bool, error) {
	has, err := e.repo.HasCoupon(ctx, customerID, tpl.ID, bucket)
	if err != nil {
		return false, err
	}
	if has {
		return false, nil
	}

	now := e.now().UTC()
	coupon := domain.CustomerCoupon{
		ID:             xid.New("cpn"),
		CustomerID:     customerID,
		StationID:      tpl.StationID,
		AutoTemplateID: tpl.ID,
		PeriodBucket:   bucket,
		Status:         domain.CouponAvailable,
		IssuedDate:     now,
	}
	if tpl.ValidityDays > 0 {
		expiry := now.AddDate(0, 0, tpl.ValidityDays)
		coupon.ExpiryDate = &expiry
	}

	if _, err := e.repo.CreateCoupon(ctx, coupon); err != nil {
		if errors.Is(err, store.ErrDuplicateCoupon) {
			log.Printf("[coupon] duplicate suppressed customer=%s template=%s bucket=%s", customerID, tpl.ID, bucket)
			return false, nil
		}
		return false, err
	}
	if err := e.repo.IncrementTemplateIssued(ctx, tpl.ID); err != nil {
		log.Printf("[coupon] WARN: failed to bump issued counters template=%s: %v", tpl.ID, err)
	}
	return true, nil
}

// IssueManual issues one coupon from a manual template, consuming one unit
// of the station's quota. No quota, no coupon.
func (e *Engine) IssueManual(ctx context.Context, customerID string, templateID string) (*domain.CustomerCoupon, error) {
	tpl, err := e.repo.GetManualTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if _, err := e.repo.GetCustomer(ctx, customerID); err != nil {
		return nil, err
	}

	if err := e.repo.ConsumeQuota(ctx, tpl.StationID); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	coupon := domain.CustomerCoupon{
		ID:         xid.New("cpn"),
		CustomerID: customerID,
		StationID:  tpl.StationID,
		TemplateID: tpl.ID,
		Status:     domain.CouponAvailable,
		IssuedDate: now,
		ExpiryDate: tpl.ValidUntil,
	}
	// each manual issuance is its own period bucket
	coupon.PeriodBucket = coupon.ID

	created, err := e.repo.CreateCoupon(ctx, coupon)
	if err != nil {
		// no partial issuance: the consumed unit goes back
		if relErr := e.repo.ReleaseQuota(ctx, tpl.StationID); relErr != nil {
			log.Printf("[coupon] ERROR: quota release failed station=%s: %v", tpl.StationID, relErr)
		}
		return nil, err
	}
	return created, nil
}

// Use transitions an available coupon to used. Expiry is checked lazily
// here as on every read path.
func (e *Engine) Use(ctx context.Context, customerID string, couponID string, usedAmount decimal.Decimal) (*domain.CustomerCoupon, error) {
	coupon, err := e.repo.GetCoupon(ctx, couponID)
	if err != nil {
		return nil, err
	}
	if coupon.CustomerID != customerID {
		return nil, store.ErrNotFound
	}

	if expired, err := e.expireIfDue(ctx, coupon); err != nil {
		return nil, err
	} else if expired {
		return nil, fmt.Errorf("coupon %s is expired", couponID)
	}
	if coupon.Status != domain.CouponAvailable {
		return nil, fmt.Errorf("coupon %s is not available (status %s)", couponID, coupon.Status)
	}

	now := e.now().UTC()
	coupon.Status = domain.CouponUsed
	coupon.UsedDate = &now
	coupon.UsedAmount = usedAmount
	if err := e.repo.UpdateCoupon(ctx, *coupon); err != nil {
		return nil, err
	}
	if coupon.AutoTemplateID != "" {
		if err := e.repo.IncrementTemplateUsed(ctx, coupon.AutoTemplateID); err != nil {
			log.Printf("[coupon] WARN: failed to bump used counter template=%s: %v", coupon.AutoTemplateID, err)
		}
	}
	return coupon, nil
}

// ListForCustomer returns the customer's coupons with lazy expiry applied.
func (e *Engine) ListForCustomer(ctx context.Context, customerID string) ([]domain.CustomerCoupon, error) {
	coupons, err := e.repo.ListCouponsByCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	for i := range coupons {
		if _, err := e.expireIfDue(ctx, &coupons[i]); err != nil {
			return nil, err
		}
	}
	return coupons, nil
}

// expireIfDue flips an overdue available coupon to expired and persists the
// transition. Permanent coupons (no expiry date) never expire.
func (e *Engine) expireIfDue(ctx context.Context, coupon *domain.CustomerCoupon) (bool, error) {
	if coupon.Status != domain.CouponAvailable || coupon.ExpiryDate == nil {
		return coupon.Status == domain.CouponExpired, nil
	}
	if !e.now().UTC().After(*coupon.ExpiryDate) {
		return false, nil
	}
	coupon.Status = domain.CouponExpired
	if err := e.repo.UpdateCoupon(ctx, *coupon); err != nil {
		return false, err
	}
	return true, nil
}

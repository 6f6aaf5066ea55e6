package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"juyuso/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidRow         = errors.New("invalid row")
	ErrDuplicateUpload    = errors.New("duplicate upload")
	ErrDuplicateCoupon    = errors.New("duplicate coupon")
	ErrQuotaExceeded      = errors.New("coupon quota exceeded")
	ErrContention         = errors.New("storage contention")
	ErrInvariantViolation = errors.New("aggregate invariant violation")
)

// Repository is the persistence surface for the ingestion, aggregation and
// coupon engines. Implementations must make ReplaceDay, AddCumulative and
// ConsumeQuota atomic; everything else is plain reads and writes.
type Repository interface {
	// stations and customers
	CreateStation(ctx context.Context, station domain.Station) (*domain.Station, error)
	GetStation(ctx context.Context, stationID string) (*domain.Station, error)
	GetStationByTID(ctx context.Context, tid string) (*domain.Station, error)
	ListStations(ctx context.Context) ([]domain.Station, error)
	// RekeyTID atomically rewrites the TID on the station and every
	// dependent row (transactions, daily stats, monthly stats).
	RekeyTID(ctx context.Context, oldTID string, newTID string) error
	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	GetCustomer(ctx context.Context, customerID string) (*domain.Customer, error)
	RegisterCustomerCard(ctx context.Context, customerID string, card string) error
	FindCustomerByCard(ctx context.Context, card string) (*domain.Customer, error)
	// LinkCustomerStation reports whether a new link was created.
	LinkCustomerStation(ctx context.Context, customerID string, stationID string) (bool, error)
	IsCustomerLinked(ctx context.Context, customerID string, stationID string) (bool, error)
	ListLinkedCustomers(ctx context.Context, stationID string) ([]string, error)

	// row store
	ReplaceDay(ctx context.Context, tid string, date string, rows []domain.Transaction) error
	ListDay(ctx context.Context, tid string, date string) ([]domain.Transaction, error)
	ListMonth(ctx context.Context, tid string, yearMonth string) ([]domain.Transaction, error)
	// MonthlyAmountByCard sums total_amount per bonus card over one
	// station-month, skipping rows without a card.
	MonthlyAmountByCard(ctx context.Context, tid string, yearMonth string) (map[string]decimal.Decimal, error)

	// statistics
	UpsertDailyStat(ctx context.Context, stat domain.DailyStat) error
	DeleteDailyStat(ctx context.Context, tid string, date string) error
	GetDailyStat(ctx context.Context, tid string, date string) (*domain.DailyStat, error)
	UpsertMonthlyStat(ctx context.Context, stat domain.MonthlyStat) error
	DeleteMonthlyStat(ctx context.Context, tid string, yearMonth string) error
	GetMonthlyStat(ctx context.Context, tid string, yearMonth string) (*domain.MonthlyStat, error)

	// visit history and fuel totals
	DeleteVisitsForDay(ctx context.Context, stationID string, date string) error
	InsertVisits(ctx context.Context, visits []domain.VisitHistory) error
	ListVisitsByCustomer(ctx context.Context, customerID string, limit int) ([]domain.VisitHistory, error)
	GetFuelTotals(ctx context.Context, customerID string) (*domain.CustomerFuelTotals, error)
	ApplyFuelTotalsDelta(ctx context.Context, customerID string, delta domain.FuelTotalsDelta) error

	// cumulative tracker
	// AddCumulative atomically adds delta and returns the totals before
	// and after. Negative deltas are legal.
	AddCumulative(ctx context.Context, customerID string, stationID string, delta decimal.Decimal) (old decimal.Decimal, updated decimal.Decimal, err error)
	GetCumulative(ctx context.Context, customerID string, stationID string) (decimal.Decimal, error)

	// coupon templates and coupons
	CreateAutoTemplate(ctx context.Context, tpl domain.AutoCouponTemplate) (*domain.AutoCouponTemplate, error)
	GetAutoTemplate(ctx context.Context, templateID string) (*domain.AutoCouponTemplate, error)
	ListAutoTemplates(ctx context.Context, stationID string, kind domain.AutoCouponKind, activeOnly bool) ([]domain.AutoCouponTemplate, error)
	SetAutoTemplateActive(ctx context.Context, templateID string, active bool) error
	IncrementTemplateIssued(ctx context.Context, templateID string) error
	IncrementTemplateUsed(ctx context.Context, templateID string) error
	CreateManualTemplate(ctx context.Context, tpl domain.CouponTemplate) (*domain.CouponTemplate, error)
	GetManualTemplate(ctx context.Context, templateID string) (*domain.CouponTemplate, error)
	// CreateCoupon enforces uniqueness of (customer, template ref,
	// period bucket) and returns ErrDuplicateCoupon on conflict.
	CreateCoupon(ctx context.Context, coupon domain.CustomerCoupon) (*domain.CustomerCoupon, error)
	GetCoupon(ctx context.Context, couponID string) (*domain.CustomerCoupon, error)
	HasCoupon(ctx context.Context, customerID string, templateRef string, periodBucket string) (bool, error)
	ListCouponsByCustomer(ctx context.Context, customerID string) ([]domain.CustomerCoupon, error)
	UpdateCoupon(ctx context.Context, coupon domain.CustomerCoupon) error

	// quota
	SetQuota(ctx context.Context, stationID string, total int) error
	GetQuota(ctx context.Context, stationID string) (*domain.CouponQuota, error)
	// ConsumeQuota atomically increments used_quota, failing with
	// ErrQuotaExceeded when no quota remains.
	ConsumeQuota(ctx context.Context, stationID string) error
	// ReleaseQuota returns one consumed unit, compensating an issuance
	// that failed after its quota was taken. Never drops below zero.
	ReleaseQuota(ctx context.Context, stationID string) error

	// auth
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

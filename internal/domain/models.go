package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Station owns exactly one active terminal id (TID). The TID is the join
// key carried on every transaction row; changing it goes through RekeyTID.
type Station struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	TID       string    `json:"tid"`
	CreatedAt time.Time `json:"created_at"`
}

// Transaction is one point-of-sale row. (TID, SaleDate, SaleTime,
// ApprovalNumber) is its natural key. Rows are immutable once written and
// replaced only by day-scoped delete-then-insert.
type Transaction struct {
	TID            string          `json:"tid"`
	SaleDate       string          `json:"sale_date"` // YYYY-MM-DD
	SaleTime       string          `json:"sale_time"` // HH:MM
	ApprovalNumber string          `json:"approval_number"`
	Product        string          `json:"product"`
	Quantity       decimal.Decimal `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	PaymentType    string          `json:"payment_type"`
	BonusCard      string          `json:"bonus_card,omitempty"`
	CustomerName   string          `json:"customer_name,omitempty"`
	SourceFile     string          `json:"source_file,omitempty"`
}

func (t Transaction) NaturalKey() string {
	return t.TID + "|" + t.SaleDate + "|" + t.SaleTime + "|" + t.ApprovalNumber
}

// YearMonth returns the YYYY-MM prefix of the sale date.
func (t Transaction) YearMonth() string {
	if len(t.SaleDate) < 7 {
		return t.SaleDate
	}
	return t.SaleDate[:7]
}

// DailyStat is derived state, unique by (TID, SaleDate). Never hand-edited;
// the aggregator overwrites it from a full fold of the day's rows.
type DailyStat struct {
	TID              string          `json:"tid"`
	SaleDate         string          `json:"sale_date"`
	TransactionCount int             `json:"transaction_count"`
	TotalQuantity    decimal.Decimal `json:"total_quantity"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	AvgUnitPrice     decimal.Decimal `json:"avg_unit_price"`
	TopProduct       string          `json:"top_product"`
	TopProductCount  int             `json:"top_product_count"`
	SourceFile       string          `json:"source_file,omitempty"`
}

// MonthlyStat is derived state, unique by (TID, YearMonth). The three
// product breakdowns are recomputed from scratch on every refresh and
// always rewritten whole.
type MonthlyStat struct {
	TID               string                     `json:"tid"`
	YearMonth         string                     `json:"year_month"`
	TransactionCount  int                        `json:"transaction_count"`
	TotalQuantity     decimal.Decimal            `json:"total_quantity"`
	TotalAmount       decimal.Decimal            `json:"total_amount"`
	AvgUnitPrice      decimal.Decimal            `json:"avg_unit_price"`
	TopProduct        string                     `json:"top_product"`
	TopProductCount   int                        `json:"top_product_count"`
	ProductCounts     map[string]int             `json:"product_counts"`
	ProductQuantities map[string]decimal.Decimal `json:"product_quantities"`
	ProductAmounts    map[string]decimal.Decimal `json:"product_amounts"`
}

// VisitHistory is one row per transaction whose bonus card matched a
// registered customer. It shares (SaleDate, SaleTime, ApprovalNumber) with
// the transaction that induced it and dies with that transaction.
type VisitHistory struct {
	CustomerID     string          `json:"customer_id"`
	StationID      string          `json:"station_id"`
	SaleDate       string          `json:"sale_date"`
	SaleTime       string          `json:"sale_time"`
	ApprovalNumber string          `json:"approval_number"`
	Product        string          `json:"product"`
	FuelQuantity   decimal.Decimal `json:"fuel_quantity"`
	SaleAmount     decimal.Decimal `json:"sale_amount"`
}

func (v VisitHistory) NaturalKey() string {
	return v.CustomerID + "|" + v.StationID + "|" + v.SaleDate + "|" + v.SaleTime + "|" + v.ApprovalNumber
}

type CustomerFuelTotals struct {
	CustomerID   string          `json:"customer_id"`
	TotalFuel    decimal.Decimal `json:"total_fuel"`
	MonthlyFuel  decimal.Decimal `json:"monthly_fuel"`
	LastFuel     decimal.Decimal `json:"last_fuel"`
	TotalCost    decimal.Decimal `json:"total_cost"`
	MonthlyCost  decimal.Decimal `json:"monthly_cost"`
	LastCost     decimal.Decimal `json:"last_cost"`
	LastFuelDate string          `json:"last_fuel_date,omitempty"`
}

// FuelTotalsDelta is the additive adjustment the ingestion pipeline applies
// to a customer's fuel totals after a day replace. Monthly deltas cover
// only rows in the current calendar month; the Last* fields are applied
// only when SetLast is true (the replaced day still has rows for the
// customer).
type FuelTotalsDelta struct {
	FuelDelta        decimal.Decimal
	CostDelta        decimal.Decimal
	MonthlyFuelDelta decimal.Decimal
	MonthlyCostDelta decimal.Decimal
	SetLast          bool
	LastFuel         decimal.Decimal
	LastCost         decimal.Decimal
	LastFuelDate     string
}

// CumulativeTotal is the per (customer, station) running amount that feeds
// cumulative coupon thresholds.
type CumulativeTotal struct {
	CustomerID       string          `json:"customer_id"`
	StationID        string          `json:"station_id"`
	CumulativeAmount decimal.Decimal `json:"cumulative_amount"`
}

type Customer struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Phone      string    `json:"phone,omitempty"`
	BonusCards []string  `json:"bonus_cards"`
	CreatedAt  time.Time `json:"created_at"`
}

// CouponQuota limits manual issuance per station. used <= total always.
type CouponQuota struct {
	StationID  string `json:"station_id"`
	TotalQuota int    `json:"total_quota"`
	UsedQuota  int    `json:"used_quota"`
}

func (q CouponQuota) Remaining() int {
	return q.TotalQuota - q.UsedQuota
}

// CouponTemplate is a manually-issued coupon template. Issuing from it
// consumes station quota.
type CouponTemplate struct {
	ID          string     `json:"id"`
	StationID   string     `json:"station_id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	ValidFrom   *time.Time `json:"valid_from,omitempty"`
	ValidUntil  *time.Time `json:"valid_until,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type AutoCouponKind string

const (
	AutoCouponSignup     AutoCouponKind = "signup"
	AutoCouponCumulative AutoCouponKind = "cumulative"
	AutoCouponMonthly    AutoCouponKind = "monthly"
)

// AutoCouponTemplate is a rule for automatic issuance. The threshold is
// meaningful for the cumulative and monthly kinds only. ValidityDays of 0
// means issued coupons never expire.
type AutoCouponTemplate struct {
	ID              string          `json:"id"`
	StationID       string          `json:"station_id"`
	Name            string          `json:"name"`
	Kind            AutoCouponKind  `json:"kind"`
	ThresholdAmount decimal.Decimal `json:"threshold_amount"`
	ValidityDays    int             `json:"validity_days"`
	Active          bool            `json:"active"`
	IssuedCount     int             `json:"issued_count"`
	TotalIssued     int             `json:"total_issued"`
	TotalUsed       int             `json:"total_used"`
	CreatedAt       time.Time       `json:"created_at"`
}

type CouponStatus string

const (
	CouponAvailable CouponStatus = "available"
	CouponUsed      CouponStatus = "used"
	CouponExpired   CouponStatus = "expired"
)

// PeriodBucketAny is the uniqueness scope for signup and cumulative
// issuance: one coupon per (customer, template), ever. Monthly issuance
// uses the calendar month of issue (YYYY-MM) as its bucket.
const PeriodBucketAny = "any"

// CustomerCoupon references exactly one of TemplateID (manual) or
// AutoTemplateID (automatic).
type CustomerCoupon struct {
	ID             string          `json:"id"`
	CustomerID     string          `json:"customer_id"`
	StationID      string          `json:"station_id"`
	TemplateID     string          `json:"template_id,omitempty"`
	AutoTemplateID string          `json:"auto_template_id,omitempty"`
	PeriodBucket   string          `json:"period_bucket"`
	Status         CouponStatus    `json:"status"`
	IssuedDate     time.Time       `json:"issued_date"`
	UsedDate       *time.Time      `json:"used_date,omitempty"`
	ExpiryDate     *time.Time      `json:"expiry_date,omitempty"`
	UsedAmount     decimal.Decimal `json:"used_amount"`
}

// TemplateRef returns whichever template reference is set.
func (c CustomerCoupon) TemplateRef() string {
	if c.AutoTemplateID != "" {
		return c.AutoTemplateID
	}
	return c.TemplateID
}

type RejectedRow struct {
	RowNumber int    `json:"row_number"`
	Reason    string `json:"reason"`
}

// IngestReport is the outcome of one spreadsheet ingest job. Row-level
// problems land in RowsRejected, day-level failures in DayErrors; neither
// aborts the rest of the job.
type IngestReport struct {
	TID          string            `json:"tid"`
	SourceFile   string            `json:"source_file"`
	RowsAccepted int               `json:"rows_accepted"`
	RowsRejected []RejectedRow     `json:"rows_rejected,omitempty"`
	DaysTouched  []string          `json:"days_touched"`
	DayErrors    map[string]string `json:"day_errors,omitempty"`
	Warnings     []string          `json:"warnings,omitempty"`
}

type IssuanceFailure struct {
	CustomerID string `json:"customer_id"`
	TemplateID string `json:"template_id"`
	Reason     string `json:"reason"`
}

// IssuanceReport is the outcome of one monthly coupon run. Individual
// customer failures are reported, not fatal.
type IssuanceReport struct {
	YearMonth string            `json:"year_month"`
	DryRun    bool              `json:"dry_run"`
	Issued    int               `json:"issued"`
	Skipped   int               `json:"skipped"`
	Failures  []IssuanceFailure `json:"failures,omitempty"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type OperatorCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type OperatorUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type IngestRequest struct {
	TID      string `json:"tid"`
	FilePath string `json:"file_path"`
}

type RekeyTIDRequest struct {
	OldTID string `json:"old_tid"`
	NewTID string `json:"new_tid"`
}

type CustomerLinkRequest struct {
	CustomerID string `json:"customer_id"`
	StationID  string `json:"station_id"`
}

type MonthlyCouponRunRequest struct {
	YearMonth string `json:"year_month,omitempty"`
	StationID string `json:"station_id,omitempty"`
	DryRun    bool   `json:"dry_run,omitempty"`
}

type UseCouponRequest struct {
	CustomerID string          `json:"customer_id"`
	CouponID   string          `json:"coupon_id"`
	UsedAmount decimal.Decimal `json:"used_amount"`
}

type ManualIssueRequest struct {
	CustomerID string `json:"customer_id"`
	TemplateID string `json:"template_id"`
}

type RecomputeRequest struct {
	TID       string `json:"tid"`
	Date      string `json:"date,omitempty"`
	YearMonth string `json:"year_month,omitempty"`
}

type CardRegisterRequest struct {
	CustomerID string `json:"customer_id"`
	Card       string `json:"card"`
}

type QuotaSetRequest struct {
	StationID string `json:"station_id"`
	Total     int    `json:"total"`
}

type TemplateToggleRequest struct {
	Active bool `json:"active"`
}

// AutoTemplateCreateRequest carries the rule condition as a free-form bag;
// the coupon engine decodes it into the typed condition for the declared
// kind and rejects unknown fields.
type AutoTemplateCreateRequest struct {
	StationID string         `json:"station_id"`
	Name      string         `json:"name"`
	Kind      AutoCouponKind `json:"kind"`
	Condition map[string]any `json:"condition,omitempty"`
}

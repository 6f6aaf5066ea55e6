package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"

	"juyuso/backend/internal/aggregate"
	"juyuso/backend/internal/cache"
	"juyuso/backend/internal/coupon"
	"juyuso/backend/internal/domain"
	"juyuso/backend/internal/ingest"
	"juyuso/backend/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Service is the orchestration facade over the ingestion pipeline,
// aggregator, coupon engine and stores. HTTP handlers stay thin; all
// validation and sequencing lives here.
type Service struct {
	repo       store.Repository
	agg        *aggregate.Aggregator
	pipeline   *ingest.Pipeline
	coupons    *coupon.Engine
	statCache  cache.StatCache
	uploadBase string
}

func New(repo store.Repository, agg *aggregate.Aggregator, pipeline *ingest.Pipeline, coupons *coupon.Engine, statCache cache.StatCache, uploadBase string) *Service {
	if statCache == nil {
		statCache = cache.NoopStatCache{}
	}
	if uploadBase == "" {
		uploadBase = "data"
	}
	return &Service{
		repo:       repo,
		agg:        agg,
		pipeline:   pipeline,
		coupons:    coupons,
		statCache:  statCache,
		uploadBase: uploadBase,
	}
}

// Ingest copies the source spreadsheet into the station's upload directory
// and runs the pipeline on the stored copy. A path whose final name
// already exists is rejected before any state change.
func (s *Service) Ingest(ctx context.Context, tid string, filePath string) (domain.IngestReport, error) {
	tid = strings.TrimSpace(tid)
	if tid == "" || strings.TrimSpace(filePath) == "" {
		return domain.IngestReport{}, fmt.Errorf("tid and file_path are required")
	}
	if _, err := s.repo.GetStationByTID(ctx, tid); err != nil {
		return domain.IngestReport{}, fmt.Errorf("unknown TID %q: %w", tid, err)
	}

	dest, err := s.storeUpload(tid, filePath)
	if err != nil {
		return domain.IngestReport{}, err
	}

	report, err := s.pipeline.Run(ctx, tid, dest, filepath.Base(dest))
	if err != nil {
		return report, err
	}
	log.Printf("[service] ingest tid=%s file=%s accepted=%d rejected=%d days=%d",
		tid, filepath.Base(dest), report.RowsAccepted, len(report.RowsRejected), len(report.DaysTouched))
	return report, nil
}

// storeUpload places the file at <base>/upload/<TID>/<name>_<TID>.xlsx.
func (s *Service) storeUpload(tid string, srcPath string) (string, error) {
	name := strings.TrimSuffix(filepath.Base(srcPath), filepath.Ext(srcPath))
	destDir := filepath.Join(s.uploadBase, "upload", tid)
	dest := filepath.Join(destDir, fmt.Sprintf("%s_%s.xlsx", name, tid))

	if _, err := os.Stat(dest); err == nil {
		return "", fmt.Errorf("upload %s already exists: %w", filepath.Base(dest), store.ErrDuplicateUpload)
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return "", err
	}
	defer src.Close()
	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		_ = os.Remove(dest)
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return dest, nil
}

func (s *Service) RecomputeDay(ctx context.Context, tid string, date string) (*domain.DailyStat, error) {
	if tid == "" || date == "" {
		return nil, fmt.Errorf("tid and date are required")
	}
	return s.agg.RecomputeDay(ctx, tid, date)
}

func (s *Service) RecomputeMonth(ctx context.Context, tid string, yearMonth string) (*domain.MonthlyStat, error) {
	if tid == "" || yearMonth == "" {
		return nil, fmt.Errorf("tid and year_month are required")
	}
	return s.agg.RecomputeMonth(ctx, tid, yearMonth)
}

// GetDailyStat is a read-through over the stat cache.
func (s *Service) GetDailyStat(ctx context.Context, tid string, date string) (*domain.DailyStat, error) {
	if cached, hit, err := s.statCache.GetDaily(ctx, tid, date); err == nil && hit {
		return cached, nil
	} else if err != nil {
		log.Printf("[service] WARN: stat cache read failed tid=%s date=%s: %v", tid, date, err)
	}

	stat, err := s.repo.GetDailyStat(ctx, tid, date)
	if err != nil {
		return nil, err
	}
	if err := s.statCache.SetDaily(ctx, stat); err != nil {
		log.Printf("[service] WARN: stat cache write failed tid=%s date=%s: %v", tid, date, err)
	}
	return stat, nil
}

func (s *Service) GetMonthlyStat(ctx context.Context, tid string, yearMonth string) (*domain.MonthlyStat, error) {
	if cached, hit, err := s.statCache.GetMonthly(ctx, tid, yearMonth); err == nil && hit {
		return cached, nil
	} else if err != nil {
		log.Printf("[service] WARN: stat cache read failed tid=%s month=%s: %v", tid, yearMonth, err)
	}

	stat, err := s.repo.GetMonthlyStat(ctx, tid, yearMonth)
	if err != nil {
		return nil, err
	}
	if err := s.statCache.SetMonthly(ctx, stat); err != nil {
		log.Printf("[service] WARN: stat cache write failed tid=%s month=%s: %v", tid, yearMonth, err)
	}
	return stat, nil
}

// RekeyTID atomically rewrites the terminal id on the station and all
// dependent rows. Admin only.
func (s *Service) RekeyTID(ctx context.Context, oldTID string, newTID string) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	oldTID = strings.TrimSpace(oldTID)
	newTID = strings.TrimSpace(newTID)
	if oldTID == "" || newTID == "" || oldTID == newTID {
		return fmt.Errorf("old_tid and new_tid must be distinct and non-empty")
	}
	if err := s.repo.RekeyTID(ctx, oldTID, newTID); err != nil {
		return err
	}
	log.Printf("[service] rekeyed TID %s -> %s", oldTID, newTID)
	return nil
}

// OnCustomerLinked records the link and fires the signup issuance hook.
// Returns the number of coupons issued (zero on repeat calls).
func (s *Service) OnCustomerLinked(ctx context.Context, customerID string, stationID string) (int, error) {
	if customerID == "" || stationID == "" {
		return 0, fmt.Errorf("customer_id and station_id are required")
	}
	if _, err := s.repo.LinkCustomerStation(ctx, customerID, stationID); err != nil {
		return 0, err
	}
	return s.coupons.OnCustomerLinked(ctx, customerID, stationID)
}

func (s *Service) ProcessMonthlyCoupons(ctx context.Context, req domain.MonthlyCouponRunRequest) (domain.IssuanceReport, error) {
	report, err := s.coupons.ProcessMonthly(ctx, req.YearMonth, req.StationID, req.DryRun)
	if err != nil {
		return report, err
	}
	log.Printf("[service] monthly coupon run month=%s issued=%d skipped=%d failures=%d dry_run=%t",
		report.YearMonth, report.Issued, report.Skipped, len(report.Failures), report.DryRun)
	return report, nil
}

func (s *Service) UseCoupon(ctx context.Context, req domain.UseCouponRequest) (*domain.CustomerCoupon, error) {
	if req.CustomerID == "" || req.CouponID == "" {
		return nil, fmt.Errorf("customer_id and coupon_id are required")
	}
	return s.coupons.Use(ctx, req.CustomerID, req.CouponID, req.UsedAmount)
}

func (s *Service) ListCustomerCoupons(ctx context.Context, customerID string) ([]domain.CustomerCoupon, error) {
	if customerID == "" {
		return nil, fmt.Errorf("customer_id is required")
	}
	return s.coupons.ListForCustomer(ctx, customerID)
}

func (s *Service) IssueManualCoupon(ctx context.Context, req domain.ManualIssueRequest) (*domain.CustomerCoupon, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	if req.CustomerID == "" || req.TemplateID == "" {
		return nil, fmt.Errorf("customer_id and template_id are required")
	}
	return s.coupons.IssueManual(ctx, req.CustomerID, req.TemplateID)
}

func (s *Service) CreateAutoTemplate(ctx context.Context, req domain.AutoTemplateCreateRequest) (*domain.AutoCouponTemplate, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	return s.coupons.CreateAutoTemplate(ctx, req)
}

func (s *Service) SetAutoTemplateActive(ctx context.Context, templateID string, active bool) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	return s.repo.SetAutoTemplateActive(ctx, templateID, active)
}

func (s *Service) ListAutoTemplates(ctx context.Context, stationID string) ([]domain.AutoCouponTemplate, error) {
	return s.repo.ListAutoTemplates(ctx, stationID, "", false)
}

func (s *Service) CreateStation(ctx context.Context, station domain.Station) (*domain.Station, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	return s.repo.CreateStation(ctx, station)
}

func (s *Service) ListStations(ctx context.Context) ([]domain.Station, error) {
	return s.repo.ListStations(ctx)
}

func (s *Service) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	return s.repo.CreateCustomer(ctx, customer)
}

func (s *Service) RegisterCustomerCard(ctx context.Context, customerID string, card string) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	return s.repo.RegisterCustomerCard(ctx, customerID, strings.TrimSpace(card))
}

func (s *Service) SetQuota(ctx context.Context, stationID string, total int) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	if total < 0 {
		return fmt.Errorf("total quota must not be negative")
	}
	return s.repo.SetQuota(ctx, stationID, total)
}

func (s *Service) GetQuota(ctx context.Context, stationID string) (*domain.CouponQuota, error) {
	return s.repo.GetQuota(ctx, stationID)
}

func (s *Service) GetFuelTotals(ctx context.Context, customerID string) (*domain.CustomerFuelTotals, error) {
	return s.repo.GetFuelTotals(ctx, customerID)
}

func (s *Service) GetCumulative(ctx context.Context, customerID string, stationID string) (decimal.Decimal, error) {
	return s.repo.GetCumulative(ctx, customerID, stationID)
}

func (s *Service) ListVisits(ctx context.Context, customerID string, limit int) ([]domain.VisitHistory, error) {
	return s.repo.ListVisitsByCustomer(ctx, customerID, limit)
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return fmt.Errorf("admin role required")
	}
	return nil
}

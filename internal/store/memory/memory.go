package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"juyuso/backend/internal/domain"
	"juyuso/backend/internal/store"
	"juyuso/backend/internal/xid"
)

// Store is an in-memory Repository used for tests and dev mode. A single
// RWMutex guards everything; per-key write serialization therefore holds
// trivially.
type Store struct {
	mu               sync.RWMutex
	stationsByID     map[string]domain.Station
	stationIDByTID   map[string]string
	customersByID    map[string]domain.Customer
	customerIDByCard map[string]string
	links            map[string]map[string]bool
	rowsByDay        map[string][]domain.Transaction
	dailyStats       map[string]domain.DailyStat
	monthlyStats     map[string]domain.MonthlyStat
	visitsByKey      map[string]domain.VisitHistory
	fuelTotals       map[string]domain.CustomerFuelTotals
	cumulative       map[string]decimal.Decimal
	autoTemplates    map[string]domain.AutoCouponTemplate
	manualTemplates  map[string]domain.CouponTemplate
	couponsByID      map[string]domain.CustomerCoupon
	couponIDByKey    map[string]string
	quotas           map[string]domain.CouponQuota
	usersByUsername  map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		stationsByID:     make(map[string]domain.Station),
		stationIDByTID:   make(map[string]string),
		customersByID:    make(map[string]domain.Customer),
		customerIDByCard: make(map[string]string),
		links:            make(map[string]map[string]bool),
		rowsByDay:        make(map[string][]domain.Transaction),
		dailyStats:       make(map[string]domain.DailyStat),
		monthlyStats:     make(map[string]domain.MonthlyStat),
		visitsByKey:      make(map[string]domain.VisitHistory),
		fuelTotals:       make(map[string]domain.CustomerFuelTotals),
		cumulative:       make(map[string]decimal.Decimal),
		autoTemplates:    make(map[string]domain.AutoCouponTemplate),
		manualTemplates:  make(map[string]domain.CouponTemplate),
		couponsByID:      make(map[string]domain.CustomerCoupon),
		couponIDByKey:    make(map[string]string),
		quotas:           make(map[string]domain.CouponQuota),
		usersByUsername:  make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store with one demo station, two registered
// customers and dev auth users, for running the server without Postgres.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	s.stationsByID["st-demo"] = domain.Station{ID: "st-demo", Name: "Demo Station", TID: "T1001", CreatedAt: now}
	s.stationIDByTID["T1001"] = "st-demo"
	s.quotas["st-demo"] = domain.CouponQuota{StationID: "st-demo", TotalQuota: 100}

	customers := []domain.Customer{
		{ID: "cust-kim", Name: "Kim Minsu", BonusCards: []string{"9000-0001"}, CreatedAt: now},
		{ID: "cust-lee", Name: "Lee Jiyeon", BonusCards: []string{"9000-0002"}, CreatedAt: now},
	}
	for _, c := range customers {
		s.customersByID[c.ID] = c
		for _, card := range c.BonusCards {
			s.customerIDByCard[card] = c.ID
		}
	}

	s.usersByUsername = seedUsers()
	return s
}

// seedUsers builds the initial in-memory auth accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_OPERATOR_PASSWORD;
// hardcoded dev defaults are used with a warning when unset. These are
// never used in production (the backend uses PostgreSQL when DATABASE_URL
// is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	operatorPwd := envOr("SEED_OPERATOR_PASSWORD", "operator123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_OPERATOR_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_OPERATOR_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"operator", operatorPwd, "operator"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func dayKey(tid, date string) string          { return tid + "|" + date }
func pairKey(customerID, other string) string { return customerID + "|" + other }

// --- stations and customers ---

func (s *Store) CreateStation(_ context.Context, station domain.Station) (*domain.Station, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if station.ID == "" || station.TID == "" {
		return nil, store.ErrInvalidRow
	}
	if _, exists := s.stationsByID[station.ID]; exists {
		return nil, store.ErrInvalidRow
	}
	if _, exists := s.stationIDByTID[station.TID]; exists {
		return nil, store.ErrInvalidRow
	}
	if station.CreatedAt.IsZero() {
		station.CreatedAt = time.Now().UTC()
	}

	s.stationsByID[station.ID] = station
	s.stationIDByTID[station.TID] = station.ID
	created := station
	return &created, nil
}

func (s *Store) GetStation(_ context.Context, stationID string) (*domain.Station, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	station, exists := s.stationsByID[stationID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := station
	return &copied, nil
}

func (s *Store) GetStationByTID(_ context.Context, tid string) (*domain.Station, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stationID, exists := s.stationIDByTID[tid]
	if !exists {
		return nil, store.ErrNotFound
	}
	station := s.stationsByID[stationID]
	copied := station
	return &copied, nil
}

func (s *Store) ListStations(_ context.Context) ([]domain.Station, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stations := make([]domain.Station, 0, len(s.stationsByID))
	for _, st := range s.stationsByID {
		stations = append(stations, st)
	}
	slices.SortFunc(stations, func(a, b domain.Station) int {
		return strings.Compare(a.ID, b.ID)
	})
	return stations, nil
}

func (s *Store) RekeyTID(_ context.Context, oldTID string, newTID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if newTID == "" || oldTID == newTID {
		return store.ErrInvalidRow
	}
	stationID, exists := s.stationIDByTID[oldTID]
	if !exists {
		return store.ErrNotFound
	}
	if _, taken := s.stationIDByTID[newTID]; taken {
		return store.ErrInvalidRow
	}

	station := s.stationsByID[stationID]
	station.TID = newTID
	s.stationsByID[stationID] = station
	delete(s.stationIDByTID, oldTID)
	s.stationIDByTID[newTID] = stationID

	rekeyPrefix(s.rowsByDay, oldTID, newTID, func(rows []domain.Transaction) []domain.Transaction {
		out := make([]domain.Transaction, len(rows))
		for i, row := range rows {
			row.TID = newTID
			out[i] = row
		}
		return out
	})
	rekeyPrefix(s.dailyStats, oldTID, newTID, func(stat domain.DailyStat) domain.DailyStat {
		stat.TID = newTID
		return stat
	})
	rekeyPrefix(s.monthlyStats, oldTID, newTID, func(stat domain.MonthlyStat) domain.MonthlyStat {
		stat.TID = newTID
		return stat
	})

	return nil
}

// rekeyPrefix moves every "oldTID|..." entry to the matching "newTID|..."
// key, rewriting the value through fn.
func rekeyPrefix[V any](m map[string]V, oldTID, newTID string, fn func(V) V) {
	moved := make(map[string]V)
	for key, value := range m {
		if strings.HasPrefix(key, oldTID+"|") {
			moved[newTID+key[len(oldTID):]] = fn(value)
			delete(m, key)
		}
	}
	for key, value := range moved {
		m[key] = value
	}
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if _, exists := s.customersByID[customer.ID]; exists {
		return nil, store.ErrInvalidRow
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}
	for _, card := range customer.BonusCards {
		if _, taken := s.customerIDByCard[card]; taken {
			return nil, store.ErrInvalidRow
		}
	}

	s.customersByID[customer.ID] = customer
	for _, card := range customer.BonusCards {
		s.customerIDByCard[card] = customer.ID
	}
	created := customer
	return &created, nil
}

func (s *Store) GetCustomer(_ context.Context, customerID string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, exists := s.customersByID[customerID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := customer
	copied.BonusCards = slices.Clone(customer.BonusCards)
	return &copied, nil
}

func (s *Store) RegisterCustomerCard(_ context.Context, customerID string, card string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	customer, exists := s.customersByID[customerID]
	if !exists {
		return store.ErrNotFound
	}
	if card == "" {
		return store.ErrInvalidRow
	}
	if owner, taken := s.customerIDByCard[card]; taken {
		if owner == customerID {
			return nil
		}
		return store.ErrInvalidRow
	}

	customer.BonusCards = append(customer.BonusCards, card)
	s.customersByID[customerID] = customer
	s.customerIDByCard[card] = customerID
	return nil
}

func (s *Store) FindCustomerByCard(_ context.Context, card string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customerID, exists := s.customerIDByCard[card]
	if !exists {
		return nil, store.ErrNotFound
	}
	customer := s.customersByID[customerID]
	copied := customer
	copied.BonusCards = slices.Clone(customer.BonusCards)
	return &copied, nil
}

func (s *Store) LinkCustomerStation(_ context.Context, customerID string, stationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.customersByID[customerID]; !exists {
		return false, store.ErrNotFound
	}
	if _, exists := s.stationsByID[stationID]; !exists {
		return false, store.ErrNotFound
	}

	linked := s.links[stationID]
	if linked == nil {
		linked = make(map[string]bool)
		s.links[stationID] = linked
	}
	if linked[customerID] {
		return false, nil
	}
	linked[customerID] = true
	return true, nil
}

func (s *Store) IsCustomerLinked(_ context.Context, customerID string, stationID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.links[stationID][customerID], nil
}

func (s *Store) ListLinkedCustomers(_ context.Context, stationID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.links[stationID]))
	for customerID := range s.links[stationID] {
		ids = append(ids, customerID)
	}
	sort.Strings(ids)
	return ids, nil
}

// --- row store ---

func (s *Store) ReplaceDay(_ context.Context, tid string, date string, rows []domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deduped := dedupeRows(rows)
	for i := range deduped {
		if deduped[i].TID != tid || deduped[i].SaleDate != date {
			return store.ErrInvalidRow
		}
	}

	key := dayKey(tid, date)
	if len(deduped) == 0 {
		delete(s.rowsByDay, key)
		return nil
	}
	s.rowsByDay[key] = deduped
	return nil
}

// dedupeRows drops earlier occurrences of a repeated natural key, keeping
// the last one, preserving first-seen order.
func dedupeRows(rows []domain.Transaction) []domain.Transaction {
	last := make(map[string]domain.Transaction, len(rows))
	order := make([]string, 0, len(rows))
	for _, row := range rows {
		key := row.NaturalKey()
		if _, seen := last[key]; !seen {
			order = append(order, key)
		}
		last[key] = row
	}
	out := make([]domain.Transaction, 0, len(order))
	for _, key := range order {
		out = append(out, last[key])
	}
	return out
}

func (s *Store) ListDay(_ context.Context, tid string, date string) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.rowsByDay[dayKey(tid, date)]), nil
}

func (s *Store) ListMonth(_ context.Context, tid string, yearMonth string) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := tid + "|" + yearMonth
	keys := make([]string, 0, 31)
	for key := range s.rowsByDay {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	rows := make([]domain.Transaction, 0, 256)
	for _, key := range keys {
		rows = append(rows, s.rowsByDay[key]...)
	}
	return rows, nil
}

func (s *Store) MonthlyAmountByCard(ctx context.Context, tid string, yearMonth string) (map[string]decimal.Decimal, error) {
	rows, err := s.ListMonth(ctx, tid, yearMonth)
	if err != nil {
		return nil, err
	}
	sums := make(map[string]decimal.Decimal)
	for _, row := range rows {
		if row.BonusCard == "" {
			continue
		}
		sums[row.BonusCard] = sums[row.BonusCard].Add(row.TotalAmount)
	}
	return sums, nil
}

// --- statistics ---

func (s *Store) UpsertDailyStat(_ context.Context, stat domain.DailyStat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dailyStats[dayKey(stat.TID, stat.SaleDate)] = stat
	return nil
}

func (s *Store) DeleteDailyStat(_ context.Context, tid string, date string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dailyStats, dayKey(tid, date))
	return nil
}

func (s *Store) GetDailyStat(_ context.Context, tid string, date string) (*domain.DailyStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stat, exists := s.dailyStats[dayKey(tid, date)]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := stat
	return &copied, nil
}

func (s *Store) UpsertMonthlyStat(_ context.Context, stat domain.MonthlyStat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monthlyStats[dayKey(stat.TID, stat.YearMonth)] = stat
	return nil
}

func (s *Store) DeleteMonthlyStat(_ context.Context, tid string, yearMonth string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.monthlyStats, dayKey(tid, yearMonth))
	return nil
}

func (s *Store) GetMonthlyStat(_ context.Context, tid string, yearMonth string) (*domain.MonthlyStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stat, exists := s.monthlyStats[dayKey(tid, yearMonth)]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := stat
	return &copied, nil
}

// --- visit history and fuel totals ---

func (s *Store) DeleteVisitsForDay(_ context.Context, stationID string, date string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, visit := range s.visitsByKey {
		if visit.StationID == stationID && visit.SaleDate == date {
			delete(s.visitsByKey, key)
		}
	}
	return nil
}

func (s *Store) InsertVisits(_ context.Context, visits []domain.VisitHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, visit := range visits {
		s.visitsByKey[visit.NaturalKey()] = visit
	}
	return nil
}

func (s *Store) ListVisitsByCustomer(_ context.Context, customerID string, limit int) ([]domain.VisitHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	visits := make([]domain.VisitHistory, 0, 32)
	for _, visit := range s.visitsByKey {
		if visit.CustomerID == customerID {
			visits = append(visits, visit)
		}
	}
	slices.SortFunc(visits, func(a, b domain.VisitHistory) int {
		if a.SaleDate != b.SaleDate {
			return strings.Compare(b.SaleDate, a.SaleDate)
		}
		return strings.Compare(b.SaleTime, a.SaleTime)
	})
	if len(visits) > limit {
		visits = visits[:limit]
	}
	return visits, nil
}

func (s *Store) GetFuelTotals(_ context.Context, customerID string) (*domain.CustomerFuelTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals, exists := s.fuelTotals[customerID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := totals
	return &copied, nil
}

func (s *Store) ApplyFuelTotalsDelta(_ context.Context, customerID string, delta domain.FuelTotalsDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	totals := s.fuelTotals[customerID]
	totals.CustomerID = customerID
	totals.TotalFuel = totals.TotalFuel.Add(delta.FuelDelta)
	totals.TotalCost = totals.TotalCost.Add(delta.CostDelta)
	totals.MonthlyFuel = totals.MonthlyFuel.Add(delta.MonthlyFuelDelta)
	totals.MonthlyCost = totals.MonthlyCost.Add(delta.MonthlyCostDelta)
	if delta.SetLast {
		totals.LastFuel = delta.LastFuel
		totals.LastCost = delta.LastCost
		totals.LastFuelDate = delta.LastFuelDate
	}
	s.fuelTotals[customerID] = totals
	return nil
}

// --- cumulative tracker ---

func (s *Store) AddCumulative(_ context.Context, customerID string, stationID string, delta decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(customerID, stationID)
	old := s.cumulative[key]
	updated := old.Add(delta)
	s.cumulative[key] = updated
	return old, updated, nil
}

func (s *Store) GetCumulative(_ context.Context, customerID string, stationID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cumulative[pairKey(customerID, stationID)], nil
}

// --- coupon templates and coupons ---

func (s *Store) CreateAutoTemplate(_ context.Context, tpl domain.AutoCouponTemplate) (*domain.AutoCouponTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tpl.ID == "" {
		tpl.ID = xid.New("atpl")
	}
	if _, exists := s.autoTemplates[tpl.ID]; exists {
		return nil, store.ErrInvalidRow
	}
	if tpl.CreatedAt.IsZero() {
		tpl.CreatedAt = time.Now().UTC()
	}
	s.autoTemplates[tpl.ID] = tpl
	created := tpl
	return &created, nil
}

func (s *Store) GetAutoTemplate(_ context.Context, templateID string) (*domain.AutoCouponTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tpl, exists := s.autoTemplates[templateID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := tpl
	return &copied, nil
}

func (s *Store) ListAutoTemplates(_ context.Context, stationID string, kind domain.AutoCouponKind, activeOnly bool) ([]domain.AutoCouponTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	templates := make([]domain.AutoCouponTemplate, 0, 8)
	for _, tpl := range s.autoTemplates {
		if stationID != "" && tpl.StationID != stationID {
			continue
		}
		if kind != "" && tpl.Kind != kind {
			continue
		}
		if activeOnly && !tpl.Active {
			continue
		}
		templates = append(templates, tpl)
	}
	slices.SortFunc(templates, func(a, b domain.AutoCouponTemplate) int {
		return strings.Compare(a.ID, b.ID)
	})
	return templates, nil
}

func (s *Store) SetAutoTemplateActive(_ context.Context, templateID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tpl, exists := s.autoTemplates[templateID]
	if !exists {
		return store.ErrNotFound
	}
	tpl.Active = active
	s.autoTemplates[templateID] = tpl
	return nil
}

func (s *Store) IncrementTemplateIssued(_ context.Context, templateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tpl, exists := s.autoTemplates[templateID]
	if !exists {
		return store.ErrNotFound
	}
	tpl.IssuedCount++
	tpl.TotalIssued++
	s.autoTemplates[templateID] = tpl
	return nil
}

func (s *Store) IncrementTemplateUsed(_ context.Context, templateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tpl, exists := s.autoTemplates[templateID]
	if !exists {
		return store.ErrNotFound
	}
	tpl.TotalUsed++
	s.autoTemplates[templateID] = tpl
	return nil
}

func (s *Store) CreateManualTemplate(_ context.Context, tpl domain.CouponTemplate) (*domain.CouponTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tpl.ID == "" {
		tpl.ID = xid.New("tpl")
	}
	if _, exists := s.manualTemplates[tpl.ID]; exists {
		return nil, store.ErrInvalidRow
	}
	if tpl.CreatedAt.IsZero() {
		tpl.CreatedAt = time.Now().UTC()
	}
	s.manualTemplates[tpl.ID] = tpl
	created := tpl
	return &created, nil
}

func (s *Store) GetManualTemplate(_ context.Context, templateID string) (*domain.CouponTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tpl, exists := s.manualTemplates[templateID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := tpl
	return &copied, nil
}

func couponKey(customerID, templateRef, bucket string) string {
	return customerID + "|" + templateRef + "|" + bucket
}

func (s *Store) CreateCoupon(_ context.Context, coupon domain.CustomerCoupon) (*domain.CustomerCoupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if coupon.ID == "" {
		coupon.ID = xid.New("cpn")
	}
	if coupon.PeriodBucket == "" {
		coupon.PeriodBucket = domain.PeriodBucketAny
	}
	key := couponKey(coupon.CustomerID, coupon.TemplateRef(), coupon.PeriodBucket)
	if _, exists := s.couponIDByKey[key]; exists {
		return nil, store.ErrDuplicateCoupon
	}
	if coupon.IssuedDate.IsZero() {
		coupon.IssuedDate = time.Now().UTC()
	}
	if coupon.Status == "" {
		coupon.Status = domain.CouponAvailable
	}

	s.couponsByID[coupon.ID] = coupon
	s.couponIDByKey[key] = coupon.ID
	created := coupon
	return &created, nil
}

func (s *Store) GetCoupon(_ context.Context, couponID string) (*domain.CustomerCoupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coupon, exists := s.couponsByID[couponID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := coupon
	return &copied, nil
}

func (s *Store) HasCoupon(_ context.Context, customerID string, templateRef string, periodBucket string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.couponIDByKey[couponKey(customerID, templateRef, periodBucket)]
	return exists, nil
}

func (s *Store) ListCouponsByCustomer(_ context.Context, customerID string) ([]domain.CustomerCoupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coupons := make([]domain.CustomerCoupon, 0, 8)
	for _, coupon := range s.couponsByID {
		if coupon.CustomerID == customerID {
			coupons = append(coupons, coupon)
		}
	}
	slices.SortFunc(coupons, func(a, b domain.CustomerCoupon) int {
		if !a.IssuedDate.Equal(b.IssuedDate) {
			if a.IssuedDate.After(b.IssuedDate) {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	return coupons, nil
}

func (s *Store) UpdateCoupon(_ context.Context, coupon domain.CustomerCoupon) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.couponsByID[coupon.ID]; !exists {
		return store.ErrNotFound
	}
	s.couponsByID[coupon.ID] = coupon
	return nil
}

// --- quota ---

func (s *Store) SetQuota(_ context.Context, stationID string, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	quota := s.quotas[stationID]
	quota.StationID = stationID
	quota.TotalQuota = total
	if quota.UsedQuota > total {
		return store.ErrInvalidRow
	}
	s.quotas[stationID] = quota
	return nil
}

func (s *Store) GetQuota(_ context.Context, stationID string) (*domain.CouponQuota, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	quota, exists := s.quotas[stationID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := quota
	return &copied, nil
}

func (s *Store) ConsumeQuota(_ context.Context, stationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	quota, exists := s.quotas[stationID]
	if !exists {
		return store.ErrNotFound
	}
	if quota.UsedQuota >= quota.TotalQuota {
		return store.ErrQuotaExceeded
	}
	quota.UsedQuota++
	s.quotas[stationID] = quota
	return nil
}

func (s *Store) ReleaseQuota(_ context.Context, stationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	quota, exists := s.quotas[stationID]
	if !exists {
		return store.ErrNotFound
	}
	if quota.UsedQuota > 0 {
		quota.UsedQuota--
		s.quotas[stationID] = quota
	}
	return nil
}

// --- auth ---

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.Username == "" {
		return store.ErrInvalidRow
	}
	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrInvalidRow
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

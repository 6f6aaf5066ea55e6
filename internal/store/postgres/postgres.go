package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"juyuso/backend/internal/domain"
	"juyuso/backend/internal/store"
	"juyuso/backend/internal/xid"
)

// Store implements store.Repository over PostgreSQL. Money and fuel
// quantities live in NUMERIC(14,2) columns; the monthly product breakdowns
// are JSONB and always rewritten whole.
type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// --- stations ---

func (s *Store) CreateStation(ctx context.Context, station domain.Station) (*domain.Station, error) {
	if station.ID == "" || station.TID == "" {
		return nil, store.ErrInvalidRow
	}
	if station.CreatedAt.IsZero() {
		station.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stations (id, name, tid, created_at)
		VALUES ($1,$2,$3,$4)
	`, station.ID, station.Name, station.TID, station.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidRow
		}
		return nil, err
	}

	created := station
	return &created, nil
}

func (s *Store) GetStation(ctx context.Context, stationID string) (*domain.Station, error) {
	var station domain.Station
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, tid, created_at
		FROM stations
		WHERE id = $1
	`, stationID).Scan(&station.ID, &station.Name, &station.TID, &station.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	station.CreatedAt = station.CreatedAt.UTC()
	return &station, nil
}

func (s *Store) GetStationByTID(ctx context.Context, tid string) (*domain.Station, error) {
	var station domain.Station
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, tid, created_at
		FROM stations
		WHERE tid = $1
	`, tid).Scan(&station.ID, &station.Name, &station.TID, &station.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	station.CreatedAt = station.CreatedAt.UTC()
	return &station, nil
}

func (s *Store) ListStations(ctx context.Context) ([]domain.Station, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, tid, created_at
		FROM stations
		ORDER BY name, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stations := make([]domain.Station, 0, 8)
	for rows.Next() {
		var station domain.Station
		if err := rows.Scan(&station.ID, &station.Name, &station.TID, &station.CreatedAt); err != nil {
			return nil, err
		}
		station.CreatedAt = station.CreatedAt.UTC()
		stations = append(stations, station)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stations, nil
}

func (s *Store) RekeyTID(ctx context.Context, oldTID string, newTID string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE stations SET tid = $2 WHERE tid = $1`, oldTID, newTID)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidRow
		}
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}

	for _, table := range []string{"transactions", "daily_stats", "monthly_stats"} {
		if _, err := tx.ExecContext(ctx, `UPDATE `+table+` SET tid = $2 WHERE tid = $1`, oldTID, newTID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// --- customers ---

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO customers (id, name, phone, created_at)
		VALUES ($1,$2,$3,$4)
	`, customer.ID, customer.Name, nullIfEmpty(customer.Phone), customer.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidRow
		}
		return nil, err
	}

	for _, card := range customer.BonusCards {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO customer_cards (card, customer_id)
			VALUES ($1,$2)
		`, card, customer.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, store.ErrInvalidRow
			}
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := customer
	return &created, nil
}

func (s *Store) GetCustomer(ctx context.Context, customerID string) (*domain.Customer, error) {
	var customer domain.Customer
	var phone sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, phone, created_at
		FROM customers
		WHERE id = $1
	`, customerID).Scan(&customer.ID, &customer.Name, &phone, &customer.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	customer.Phone = phone.String
	customer.CreatedAt = customer.CreatedAt.UTC()

	cards, err := s.listCards(ctx, customerID)
	if err != nil {
		return nil, err
	}
	customer.BonusCards = cards
	return &customer, nil
}

func (s *Store) listCards(ctx context.Context, customerID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT card
		FROM customer_cards
		WHERE customer_id = $1
		ORDER BY card
	`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cards := make([]string, 0, 2)
	for rows.Next() {
		var card string
		if err := rows.Scan(&card); err != nil {
			return nil, err
		}
		cards = append(cards, card)
	}
	return cards, rows.Err()
}

func (s *Store) RegisterCustomerCard(ctx context.Context, customerID string, card string) error {
	if card == "" {
		return store.ErrInvalidRow
	}
	if _, err := s.GetCustomer(ctx, customerID); err != nil {
		return err
	}

	var owner string
	err := s.db.QueryRowContext(ctx, `
		SELECT customer_id FROM customer_cards WHERE card = $1
	`, card).Scan(&owner)
	if err == nil {
		if owner == customerID {
			return nil
		}
		return store.ErrInvalidRow
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO customer_cards (card, customer_id)
		VALUES ($1,$2)
	`, card, customerID)
	if isUniqueViolation(err) {
		return store.ErrInvalidRow
	}
	return err
}

func (s *Store) FindCustomerByCard(ctx context.Context, card string) (*domain.Customer, error) {
	var customerID string
	err := s.db.QueryRowContext(ctx, `
		SELECT customer_id FROM customer_cards WHERE card = $1
	`, card).Scan(&customerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return s.GetCustomer(ctx, customerID)
}

func (s *Store) LinkCustomerStation(ctx context.Context, customerID string, stationID string) (bool, error) {
	if _, err := s.GetCustomer(ctx, customerID); err != nil {
		return false, err
	}
	if _, err := s.GetStation(ctx, stationID); err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO customer_station_links (customer_id, station_id, created_at)
		VALUES ($1,$2,now())
		ON CONFLICT (customer_id, station_id) DO NOTHING
	`, customerID, stationID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *Store) IsCustomerLinked(ctx context.Context, customerID string, stationID string) (bool, error) {
	var linked bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM customer_station_links
			WHERE customer_id = $1 AND station_id = $2
		)
	`, customerID, stationID).Scan(&linked)
	return linked, err
}

func (s *Store) ListLinkedCustomers(ctx context.Context, stationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT customer_id
		FROM customer_station_links
		WHERE station_id = $1
		ORDER BY customer_id
	`, stationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- row store ---

func (s *Store) ReplaceDay(ctx context.Context, tid string, date string, rows []domain.Transaction) error {
	for i := range rows {
		if rows[i].TID != tid || rows[i].SaleDate != date {
			return store.ErrInvalidRow
		}
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM transactions WHERE tid = $1 AND sale_date = $2
	`, tid, date); err != nil {
		return err
	}

	for _, row := range rows {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO transactions (
				tid, sale_date, sale_time, approval_number, product,
				quantity, unit_price, total_amount, payment_type,
				bonus_card, customer_name, source_file
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			ON CONFLICT (tid, sale_date, sale_time, approval_number) DO UPDATE SET
				product = EXCLUDED.product,
				quantity = EXCLUDED.quantity,
				unit_price = EXCLUDED.unit_price,
				total_amount = EXCLUDED.total_amount,
				payment_type = EXCLUDED.payment_type,
				bonus_card = EXCLUDED.bonus_card,
				customer_name = EXCLUDED.customer_name,
				source_file = EXCLUDED.source_file
		`, row.TID, row.SaleDate, row.SaleTime, row.ApprovalNumber, row.Product,
			row.Quantity, row.UnitPrice, row.TotalAmount, row.PaymentType,
			nullIfEmpty(row.BonusCard), nullIfEmpty(row.CustomerName), nullIfEmpty(row.SourceFile))
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) ListDay(ctx context.Context, tid string, date string) ([]domain.Transaction, error) {
	return s.listRows(ctx, `
		SELECT tid, sale_date, sale_time, approval_number, product,
		       quantity, unit_price, total_amount, payment_type,
		       bonus_card, customer_name, source_file
		FROM transactions
		WHERE tid = $1 AND sale_date = $2
		ORDER BY sale_time, approval_number
	`, tid, date)
}

func (s *Store) ListMonth(ctx context.Context, tid string, yearMonth string) ([]domain.Transaction, error) {
	return s.listRows(ctx, `
		SELECT tid, sale_date, sale_time, approval_number, product,
		       quantity, unit_price, total_amount, payment_type,
		       bonus_card, customer_name, source_file
		FROM transactions
		WHERE tid = $1 AND sale_date LIKE $2 || '-%'
		ORDER BY sale_date, sale_time, approval_number
	`, tid, yearMonth)
}

func (s *Store) listRows(ctx context.Context, query string, args ...any) ([]domain.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.Transaction, 0, 64)
	for rows.Next() {
		var row domain.Transaction
		var bonusCard, customerName, sourceFile sql.NullString
		if err := rows.Scan(&row.TID, &row.SaleDate, &row.SaleTime, &row.ApprovalNumber, &row.Product,
			&row.Quantity, &row.UnitPrice, &row.TotalAmount, &row.PaymentType,
			&bonusCard, &customerName, &sourceFile); err != nil {
			return nil, err
		}
		row.BonusCard = bonusCard.String
		row.CustomerName = customerName.String
		row.SourceFile = sourceFile.String
		result = append(result, row)
	}
	return result, rows.Err()
}

func (s *Store) MonthlyAmountByCard(ctx context.Context, tid string, yearMonth string) (map[string]decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bonus_card, COALESCE(SUM(total_amount), 0)
		FROM transactions
		WHERE tid = $1 AND sale_date LIKE $2 || '-%' AND bonus_card IS NOT NULL AND bonus_card <> ''
		GROUP BY bonus_card
	`, tid, yearMonth)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sums := make(map[string]decimal.Decimal)
	for rows.Next() {
		var card string
		var amount decimal.Decimal
		if err := rows.Scan(&card, &amount); err != nil {
			return nil, err
		}
		sums[card] = amount
	}
	return sums, rows.Err()
}

// --- statistics ---

func (s *Store) UpsertDailyStat(ctx context.Context, stat domain.DailyStat) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_stats (
			tid, sale_date, transaction_count, total_quantity, total_amount,
			avg_unit_price, top_product, top_product_count, source_file, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
		ON CONFLICT (tid, sale_date) DO UPDATE SET
			transaction_count = EXCLUDED.transaction_count,
			total_quantity = EXCLUDED.total_quantity,
			total_amount = EXCLUDED.total_amount,
			avg_unit_price = EXCLUDED.avg_unit_price,
			top_product = EXCLUDED.top_product,
			top_product_count = EXCLUDED.top_product_count,
			source_file = EXCLUDED.source_file,
			updated_at = now()
	`, stat.TID, stat.SaleDate, stat.TransactionCount, stat.TotalQuantity, stat.TotalAmount,
		stat.AvgUnitPrice, stat.TopProduct, stat.TopProductCount, nullIfEmpty(stat.SourceFile))
	return err
}

func (s *Store) DeleteDailyStat(ctx context.Context, tid string, date string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM daily_stats WHERE tid = $1 AND sale_date = $2
	`, tid, date)
	return err
}

func (s *Store) GetDailyStat(ctx context.Context, tid string, date string) (*domain.DailyStat, error) {
	var stat domain.DailyStat
	var sourceFile sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT tid, sale_date, transaction_count, total_quantity, total_amount,
		       avg_unit_price, top_product, top_product_count, source_file
		FROM daily_stats
		WHERE tid = $1 AND sale_date = $2
	`, tid, date).Scan(&stat.TID, &stat.SaleDate, &stat.TransactionCount, &stat.TotalQuantity,
		&stat.TotalAmount, &stat.AvgUnitPrice, &stat.TopProduct, &stat.TopProductCount, &sourceFile)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	stat.SourceFile = sourceFile.String
	return &stat, nil
}

func (s *Store) UpsertMonthlyStat(ctx context.Context, stat domain.MonthlyStat) error {
	counts, err := json.Marshal(stat.ProductCounts)
	if err != nil {
		return err
	}
	quantities, err := json.Marshal(stat.ProductQuantities)
	if err != nil {
		return err
	}
	amounts, err := json.Marshal(stat.ProductAmounts)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO monthly_stats (
			tid, year_month, transaction_count, total_quantity, total_amount,
			avg_unit_price, top_product, top_product_count,
			product_counts, product_quantities, product_amounts, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now())
		ON CONFLICT (tid, year_month) DO UPDATE SET
			transaction_count = EXCLUDED.transaction_count,
			total_quantity = EXCLUDED.total_quantity,
			total_amount = EXCLUDED.total_amount,
			avg_unit_price = EXCLUDED.avg_unit_price,
			top_product = EXCLUDED.top_product,
			top_product_count = EXCLUDED.top_product_count,
			product_counts = EXCLUDED.product_counts,
			product_quantities = EXCLUDED.product_quantities,
			product_amounts = EXCLUDED.product_amounts,
			updated_at = now()
	`, stat.TID, stat.YearMonth, stat.TransactionCount, stat.TotalQuantity, stat.TotalAmount,
		stat.AvgUnitPrice, stat.TopProduct, stat.TopProductCount, counts, quantities, amounts)
	return err
}

func (s *Store) DeleteMonthlyStat(ctx context.Context, tid string, yearMonth string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM monthly_stats WHERE tid = $1 AND year_month = $2
	`, tid, yearMonth)
	return err
}

func (s *Store) GetMonthlyStat(ctx context.Context, tid string, yearMonth string) (*domain.MonthlyStat, error) {
	var stat domain.MonthlyStat
	var counts, quantities, amounts []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT tid, year_month, transaction_count, total_quantity, total_amount,
		       avg_unit_price, top_product, top_product_count,
		       product_counts, product_quantities, product_amounts
		FROM monthly_stats
		WHERE tid = $1 AND year_month = $2
	`, tid, yearMonth).Scan(&stat.TID, &stat.YearMonth, &stat.TransactionCount, &stat.TotalQuantity,
		&stat.TotalAmount, &stat.AvgUnitPrice, &stat.TopProduct, &stat.TopProductCount,
		&counts, &quantities, &amounts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal(counts, &stat.ProductCounts); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(quantities, &stat.ProductQuantities); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(amounts, &stat.ProductAmounts); err != nil {
		return nil, err
	}
	return &stat, nil
}

// --- visit history and fuel totals ---

func (s *Store) DeleteVisitsForDay(ctx context.Context, stationID string, date string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM visit_history WHERE station_id = $1 AND sale_date = $2
	`, stationID, date)
	return err
}

func (s *Store) InsertVisits(ctx context.Context, visits []domain.VisitHistory) error {
	if len(visits) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, visit := range visits {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO visit_history (
				customer_id, station_id, sale_date, sale_time, approval_number,
				product, fuel_quantity, sale_amount
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (customer_id, station_id, sale_date, sale_time, approval_number) DO UPDATE SET
				product = EXCLUDED.product,
				fuel_quantity = EXCLUDED.fuel_quantity,
				sale_amount = EXCLUDED.sale_amount
		`, visit.CustomerID, visit.StationID, visit.SaleDate, visit.SaleTime, visit.ApprovalNumber,
			visit.Product, visit.FuelQuantity, visit.SaleAmount)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) ListVisitsByCustomer(ctx context.Context, customerID string, limit int) ([]domain.VisitHistory, error) {
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT customer_id, station_id, sale_date, sale_time, approval_number,
		       product, fuel_quantity, sale_amount
		FROM visit_history
		WHERE customer_id = $1
		ORDER BY sale_date DESC, sale_time DESC, approval_number DESC
		LIMIT $2
	`, customerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	visits := make([]domain.VisitHistory, 0, limit)
	for rows.Next() {
		var visit domain.VisitHistory
		if err := rows.Scan(&visit.CustomerID, &visit.StationID, &visit.SaleDate, &visit.SaleTime,
			&visit.ApprovalNumber, &visit.Product, &visit.FuelQuantity, &visit.SaleAmount); err != nil {
			return nil, err
		}
		visits = append(visits, visit)
	}
	return visits, rows.Err()
}

func (s *Store) GetFuelTotals(ctx context.Context, customerID string) (*domain.CustomerFuelTotals, error) {
	var totals domain.CustomerFuelTotals
	var lastFuelDate sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT customer_id, total_fuel, monthly_fuel, last_fuel,
		       total_cost, monthly_cost, last_cost, last_fuel_date
		FROM customer_fuel_totals
		WHERE customer_id = $1
	`, customerID).Scan(&totals.CustomerID, &totals.TotalFuel, &totals.MonthlyFuel, &totals.LastFuel,
		&totals.TotalCost, &totals.MonthlyCost, &totals.LastCost, &lastFuelDate)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	totals.LastFuelDate = lastFuelDate.String
	return &totals, nil
}

func (s *Store) ApplyFuelTotalsDelta(ctx context.Context, customerID string, delta domain.FuelTotalsDelta) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO customer_fuel_totals (
			customer_id, total_fuel, monthly_fuel, last_fuel,
			total_cost, monthly_cost, last_cost, last_fuel_date
		)
		VALUES ($1,0,0,0,0,0,0,NULL)
		ON CONFLICT (customer_id) DO NOTHING
	`, customerID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE customer_fuel_totals
		SET total_fuel = total_fuel + $2,
		    total_cost = total_cost + $3,
		    monthly_fuel = monthly_fuel + $4,
		    monthly_cost = monthly_cost + $5
		WHERE customer_id = $1
	`, customerID, delta.FuelDelta, delta.CostDelta, delta.MonthlyFuelDelta, delta.MonthlyCostDelta); err != nil {
		return err
	}

	if delta.SetLast {
		if _, err := tx.ExecContext(ctx, `
			UPDATE customer_fuel_totals
			SET last_fuel = $2, last_cost = $3, last_fuel_date = $4
			WHERE customer_id = $1
		`, customerID, delta.LastFuel, delta.LastCost, nullIfEmpty(delta.LastFuelDate)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// --- cumulative tracker ---

func (s *Store) AddCumulative(ctx context.Context, customerID string, stationID string, delta decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cumulative_totals (customer_id, station_id, cumulative_amount)
		VALUES ($1,$2,0)
		ON CONFLICT (customer_id, station_id) DO NOTHING
	`, customerID, stationID); err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}

	var updated decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		UPDATE cumulative_totals
		SET cumulative_amount = cumulative_amount + $3
		WHERE customer_id = $1 AND station_id = $2
		RETURNING cumulative_amount
	`, customerID, stationID, delta).Scan(&updated)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}

	if err := tx.Commit(); err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}
	return updated.Sub(delta), updated, nil
}

func (s *Store) GetCumulative(ctx context.Context, customerID string, stationID string) (decimal.Decimal, error) {
	var amount decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
		SELECT cumulative_amount
		FROM cumulative_totals
		WHERE customer_id = $1 AND station_id = $2
	`, customerID, stationID).Scan(&amount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Decimal{}, err
	}
	return amount, nil
}

// --- coupon templates and coupons ---

func (s *Store) CreateAutoTemplate(ctx context.Context, tpl domain.AutoCouponTemplate) (*domain.AutoCouponTemplate, error) {
	if tpl.ID == "" {
		tpl.ID = xid.New("atpl")
	}
	if tpl.CreatedAt.IsZero() {
		tpl.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auto_coupon_templates (
			id, station_id, name, kind, threshold_amount, validity_days,
			active, issued_count, total_issued, total_used, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, tpl.ID, tpl.StationID, tpl.Name, string(tpl.Kind), tpl.ThresholdAmount, tpl.ValidityDays,
		tpl.Active, tpl.IssuedCount, tpl.TotalIssued, tpl.TotalUsed, tpl.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidRow
		}
		return nil, err
	}

	created := tpl
	return &created, nil
}

func (s *Store) GetAutoTemplate(ctx context.Context, templateID string) (*domain.AutoCouponTemplate, error) {
	var tpl domain.AutoCouponTemplate
	var kind string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, station_id, name, kind, threshold_amount, validity_days,
		       active, issued_count, total_issued, total_used, created_at
		FROM auto_coupon_templates
		WHERE id = $1
	`, templateID).Scan(&tpl.ID, &tpl.StationID, &tpl.Name, &kind, &tpl.ThresholdAmount,
		&tpl.ValidityDays, &tpl.Active, &tpl.IssuedCount, &tpl.TotalIssued, &tpl.TotalUsed, &tpl.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	tpl.Kind = domain.AutoCouponKind(kind)
	tpl.CreatedAt = tpl.CreatedAt.UTC()
	return &tpl, nil
}

func (s *Store) ListAutoTemplates(ctx context.Context, stationID string, kind domain.AutoCouponKind, activeOnly bool) ([]domain.AutoCouponTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, station_id, name, kind, threshold_amount, validity_days,
		       active, issued_count, total_issued, total_used, created_at
		FROM auto_coupon_templates
		WHERE ($1 = '' OR station_id = $1)
		  AND ($2 = '' OR kind = $2)
		  AND (NOT $3 OR active)
		ORDER BY created_at, id
	`, stationID, string(kind), activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	templates := make([]domain.AutoCouponTemplate, 0, 8)
	for rows.Next() {
		var tpl domain.AutoCouponTemplate
		var tplKind string
		if err := rows.Scan(&tpl.ID, &tpl.StationID, &tpl.Name, &tplKind, &tpl.ThresholdAmount,
			&tpl.ValidityDays, &tpl.Active, &tpl.IssuedCount, &tpl.TotalIssued, &tpl.TotalUsed, &tpl.CreatedAt); err != nil {
			return nil, err
		}
		tpl.Kind = domain.AutoCouponKind(tplKind)
		tpl.CreatedAt = tpl.CreatedAt.UTC()
		templates = append(templates, tpl)
	}
	return templates, rows.Err()
}

func (s *Store) SetAutoTemplateActive(ctx context.Context, templateID string, active bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE auto_coupon_templates SET active = $2 WHERE id = $1
	`, templateID, active)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) IncrementTemplateIssued(ctx context.Context, templateID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE auto_coupon_templates
		SET issued_count = issued_count + 1, total_issued = total_issued + 1
		WHERE id = $1
	`, templateID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) IncrementTemplateUsed(ctx context.Context, templateID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE auto_coupon_templates
		SET total_used = total_used + 1
		WHERE id = $1
	`, templateID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateManualTemplate(ctx context.Context, tpl domain.CouponTemplate) (*domain.CouponTemplate, error) {
	if tpl.ID == "" {
		tpl.ID = xid.New("tpl")
	}
	if tpl.CreatedAt.IsZero() {
		tpl.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO coupon_templates (id, station_id, name, description, valid_from, valid_until, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, tpl.ID, tpl.StationID, tpl.Name, nullIfEmpty(tpl.Description),
		nullTime(tpl.ValidFrom), nullTime(tpl.ValidUntil), tpl.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidRow
		}
		return nil, err
	}

	created := tpl
	return &created, nil
}

func (s *Store) GetManualTemplate(ctx context.Context, templateID string) (*domain.CouponTemplate, error) {
	var tpl domain.CouponTemplate
	var description sql.NullString
	var validFrom, validUntil sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, station_id, name, description, valid_from, valid_until, created_at
		FROM coupon_templates
		WHERE id = $1
	`, templateID).Scan(&tpl.ID, &tpl.StationID, &tpl.Name, &description, &validFrom, &validUntil, &tpl.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	tpl.Description = description.String
	if validFrom.Valid {
		from := validFrom.Time.UTC()
		tpl.ValidFrom = &from
	}
	if validUntil.Valid {
		until := validUntil.Time.UTC()
		tpl.ValidUntil = &until
	}
	tpl.CreatedAt = tpl.CreatedAt.UTC()
	return &tpl, nil
}

func (s *Store) CreateCoupon(ctx context.Context, coupon domain.CustomerCoupon) (*domain.CustomerCoupon, error) {
	if coupon.ID == "" {
		coupon.ID = xid.New("cpn")
	}
	if coupon.PeriodBucket == "" {
		coupon.PeriodBucket = domain.PeriodBucketAny
	}
	if coupon.IssuedDate.IsZero() {
		coupon.IssuedDate = time.Now().UTC()
	}
	if coupon.Status == "" {
		coupon.Status = domain.CouponAvailable
	}

	// uq_customer_coupons_issuance is a unique index over
	// (customer_id, COALESCE(auto_template_id, template_id), period_bucket)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customer_coupons (
			id, customer_id, station_id, template_id, auto_template_id,
			period_bucket, status, issued_date, used_date, expiry_date, used_amount
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, coupon.ID, coupon.CustomerID, coupon.StationID,
		nullIfEmpty(coupon.TemplateID), nullIfEmpty(coupon.AutoTemplateID),
		coupon.PeriodBucket, string(coupon.Status), coupon.IssuedDate,
		nullTime(coupon.UsedDate), nullTime(coupon.ExpiryDate), coupon.UsedAmount)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateCoupon
		}
		return nil, err
	}

	created := coupon
	return &created, nil
}

func (s *Store) GetCoupon(ctx context.Context, couponID string) (*domain.CustomerCoupon, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, customer_id, station_id, template_id, auto_template_id,
		       period_bucket, status, issued_date, used_date, expiry_date, used_amount
		FROM customer_coupons
		WHERE id = $1
	`, couponID)
	coupon, err := scanCoupon(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return coupon, nil
}

func (s *Store) HasCoupon(ctx context.Context, customerID string, templateRef string, periodBucket string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM customer_coupons
			WHERE customer_id = $1
			  AND COALESCE(auto_template_id, template_id) = $2
			  AND period_bucket = $3
		)
	`, customerID, templateRef, periodBucket).Scan(&exists)
	return exists, err
}

func (s *Store) ListCouponsByCustomer(ctx context.Context, customerID string) ([]domain.CustomerCoupon, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, station_id, template_id, auto_template_id,
		       period_bucket, status, issued_date, used_date, expiry_date, used_amount
		FROM customer_coupons
		WHERE customer_id = $1
		ORDER BY issued_date DESC, id
	`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	coupons := make([]domain.CustomerCoupon, 0, 8)
	for rows.Next() {
		coupon, err := scanCoupon(rows)
		if err != nil {
			return nil, err
		}
		coupons = append(coupons, *coupon)
	}
	return coupons, rows.Err()
}

func (s *Store) UpdateCoupon(ctx context.Context, coupon domain.CustomerCoupon) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE customer_coupons
		SET status = $2, used_date = $3, expiry_date = $4, used_amount = $5
		WHERE id = $1
	`, coupon.ID, string(coupon.Status), nullTime(coupon.UsedDate), nullTime(coupon.ExpiryDate), coupon.UsedAmount)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCoupon(row rowScanner) (*domain.CustomerCoupon, error) {
	var coupon domain.CustomerCoupon
	var templateID, autoTemplateID sql.NullString
	var status string
	var usedDate, expiryDate sql.NullTime
	err := row.Scan(&coupon.ID, &coupon.CustomerID, &coupon.StationID, &templateID, &autoTemplateID,
		&coupon.PeriodBucket, &status, &coupon.IssuedDate, &usedDate, &expiryDate, &coupon.UsedAmount)
	if err != nil {
		return nil, err
	}
	coupon.TemplateID = templateID.String
	coupon.AutoTemplateID = autoTemplateID.String
	coupon.Status = domain.CouponStatus(status)
	coupon.IssuedDate = coupon.IssuedDate.UTC()
	if usedDate.Valid {
		used := usedDate.Time.UTC()
		coupon.UsedDate = &used
	}
	if expiryDate.Valid {
		expiry := expiryDate.Time.UTC()
		coupon.ExpiryDate = &expiry
	}
	return &coupon, nil
}

// --- quota ---

func (s *Store) SetQuota(ctx context.Context, stationID string, total int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO coupon_quotas (station_id, total_quota, used_quota)
		VALUES ($1,$2,0)
		ON CONFLICT (station_id) DO UPDATE SET total_quota = EXCLUDED.total_quota
	`, stationID, total)
	return err
}

func (s *Store) GetQuota(ctx context.Context, stationID string) (*domain.CouponQuota, error) {
	var quota domain.CouponQuota
	err := s.db.QueryRowContext(ctx, `
		SELECT station_id, total_quota, used_quota
		FROM coupon_quotas
		WHERE station_id = $1
	`, stationID).Scan(&quota.StationID, &quota.TotalQuota, &quota.UsedQuota)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &quota, nil
}

func (s *Store) ConsumeQuota(ctx context.Context, stationID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE coupon_quotas
		SET used_quota = used_quota + 1
		WHERE station_id = $1 AND used_quota < total_quota
	`, stationID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	if _, err := s.GetQuota(ctx, stationID); err != nil {
		return err
	}
	return store.ErrQuotaExceeded
}

func (s *Store) ReleaseQuota(ctx context.Context, stationID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE coupon_quotas
		SET used_quota = used_quota - 1
		WHERE station_id = $1 AND used_quota > 0
	`, stationID)
	if err != nil {
		return err
	}
	if affected, err := res.RowsAffected(); err != nil {
		return err
	} else if affected > 0 {
		return nil
	}

	if _, err := s.GetQuota(ctx, stationID); err != nil {
		return err
	}
	return nil
}

// --- auth ---

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrInvalidRow
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

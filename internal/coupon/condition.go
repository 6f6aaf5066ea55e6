package coupon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"juyuso/backend/internal/domain"
	"juyuso/backend/internal/xid"
)

// Each template kind has a typed condition record; free-form bags from the
// admin surface are decoded strictly, so an unknown field is an error
// rather than silently ignored configuration.

type signupCondition struct {
	ValidityDays int `json:"validity_days,omitempty"`
}

type cumulativeCondition struct {
	ThresholdAmount decimal.Decimal `json:"threshold_amount"`
	ValidityDays    int             `json:"validity_days,omitempty"`
}

type monthlyCondition struct {
	ThresholdAmount decimal.Decimal `json:"threshold_amount"`
	ValidityDays    int             `json:"validity_days,omitempty"`
}

func decodeStrict(bag map[string]any, into any) error {
	payload, err := json.Marshal(bag)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	return dec.Decode(into)
}

// decodeCondition resolves the condition bag for a kind into (threshold,
// validity days).
func decodeCondition(kind domain.AutoCouponKind, bag map[string]any) (decimal.Decimal, int, error) {
	if bag == nil {
		bag = map[string]any{}
	}
	switch kind {
	case domain.AutoCouponSignup:
		var cond signupCondition
		if err := decodeStrict(bag, &cond); err != nil {
			return decimal.Decimal{}, 0, fmt.Errorf("signup condition: %w", err)
		}
		return decimal.Zero, cond.ValidityDays, nil
	case domain.AutoCouponCumulative:
		var cond cumulativeCondition
		if err := decodeStrict(bag, &cond); err != nil {
			return decimal.Decimal{}, 0, fmt.Errorf("cumulative condition: %w", err)
		}
		if cond.ThresholdAmount.LessThanOrEqual(decimal.Zero) {
			return decimal.Decimal{}, 0, fmt.Errorf("cumulative condition: threshold_amount must be positive")
		}
		return cond.ThresholdAmount, cond.ValidityDays, nil
	case domain.AutoCouponMonthly:
		var cond monthlyCondition
		if err := decodeStrict(bag, &cond); err != nil {
			return decimal.Decimal{}, 0, fmt.Errorf("monthly condition: %w", err)
		}
		if cond.ThresholdAmount.LessThanOrEqual(decimal.Zero) {
			return decimal.Decimal{}, 0, fmt.Errorf("monthly condition: threshold_amount must be positive")
		}
		return cond.ThresholdAmount, cond.ValidityDays, nil
	default:
		return decimal.Decimal{}, 0, fmt.Errorf("unknown auto coupon kind %q", kind)
	}
}

// CreateAutoTemplate validates a template request, decodes its condition
// bag for the declared kind and stores the template active.
func (e *Engine) CreateAutoTemplate(ctx context.Context, req domain.AutoTemplateCreateRequest) (*domain.AutoCouponTemplate, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.StationID == "" || req.Name == "" {
		return nil, fmt.Errorf("station_id and name are required")
	}
	if _, err := e.repo.GetStation(ctx, req.StationID); err != nil {
		return nil, err
	}

	threshold, validityDays, err := decodeCondition(req.Kind, req.Condition)
	if err != nil {
		return nil, err
	}
	if validityDays < 0 {
		return nil, fmt.Errorf("validity_days must not be negative")
	}

	tpl := domain.AutoCouponTemplate{
		ID:              xid.New("atpl"),
		StationID:       req.StationID,
		Name:            req.Name,
		Kind:            req.Kind,
		ThresholdAmount: threshold,
		ValidityDays:    validityDays,
		Active:          true,
		CreatedAt:       time.Now().UTC(),
	}
	return e.repo.CreateAutoTemplate(ctx, tpl)
}

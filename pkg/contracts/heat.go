package contracts

import "time"

// HeatTier is the cadence class governing how often an account is polled.
type HeatTier string

const (
	TierHot  HeatTier = "HOT"
	TierWarm HeatTier = "WARM"
	TierCold HeatTier = "COLD"
)

// CoolerThan reports whether t is a strictly cooler tier than other.
func (t HeatTier) CoolerThan(other HeatTier) bool {
	return t.rank() < other.rank()
}

func (t HeatTier) rank() int {
	switch t {
	case TierHot:
		return 2
	case TierWarm:
		return 1
	default:
		return 0
	}
}

// HeatFactors is the score breakdown exposed alongside the composite.
type HeatFactors struct {
	PostureComponent float64 `json:"posture_component"`
	RecencyComponent float64 `json:"recency_component"`
	VolumeComponent  float64 `json:"volume_component"`
}

// HeatState is the latest heat row for a (tenant, account).
type HeatState struct {
	TenantID   string      `json:"tenant_id"`
	AccountID  string      `json:"account_id"`
	HeatScore  float64     `json:"heat_score"`
	HeatTier   HeatTier    `json:"heat_tier"`
	Factors    HeatFactors `json:"factors"`
	ComputedAt time.Time   `json:"computed_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

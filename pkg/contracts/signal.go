package contracts

import "time"

// SignalType names a lifecycle-relevant detection.
type SignalType string

const (
	SignalAccountActivationDetected SignalType = "ACCOUNT_ACTIVATION_DETECTED"
	SignalNoEngagementPresent       SignalType = "NO_ENGAGEMENT_PRESENT"
	SignalFirstEngagementOccurred   SignalType = "FIRST_ENGAGEMENT_OCCURRED"
	SignalDiscoveryProgressStalled  SignalType = "DISCOVERY_PROGRESS_STALLED"
	SignalStakeholderGapDetected    SignalType = "STAKEHOLDER_GAP_DETECTED"
	SignalUsageTrendChange          SignalType = "USAGE_TREND_CHANGE"
	SignalSupportRiskEmerging       SignalType = "SUPPORT_RISK_EMERGING"
	SignalRenewalWindowEntered      SignalType = "RENEWAL_WINDOW_ENTERED"
	SignalActionExecuted            SignalType = "ACTION_EXECUTED"
	SignalActionFailed              SignalType = "ACTION_FAILED"
)

// SignalStatus is the signal state machine position.
type SignalStatus string

const (
	SignalActive     SignalStatus = "ACTIVE"
	SignalSuppressed SignalStatus = "SUPPRESSED"
	SignalExpired    SignalStatus = "EXPIRED"
)

// ConfidenceSource qualifies how a confidence value was obtained.
type ConfidenceSource string

const (
	ConfidenceDirect   ConfidenceSource = "direct"
	ConfidenceDerived  ConfidenceSource = "derived"
	ConfidenceInferred ConfidenceSource = "inferred"
)

// Severity ranks a signal's urgency.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Signal is a detection record. DedupeKey encodes "the same observation of
// the same kind of change to the same account within the same window" and is
// unique per tenant.
type Signal struct {
	SignalID         string           `json:"signal_id"`
	TenantID         string           `json:"tenant_id"`
	AccountID        string           `json:"account_id"`
	Type             SignalType       `json:"type"`
	Status           SignalStatus     `json:"status"`
	Confidence       float64          `json:"confidence"`
	ConfidenceSource ConfidenceSource `json:"confidence_source"`
	Severity         Severity         `json:"severity"`
	// TTLDays is nil for permanent signals.
	TTLDays         *int           `json:"ttl_days,omitempty"`
	WindowKey       string         `json:"window_key"`
	DedupeKey       string         `json:"dedupe_key"`
	Evidence        EvidenceRef    `json:"evidence"`
	DetectorVersion string         `json:"detector_version"`
	// InferenceActive is false for historical signals that must not drive
	// lifecycle inference (e.g. first engagement observed on a CUSTOMER).
	InferenceActive   bool           `json:"inference_active"`
	SuppressionReason string         `json:"suppression_reason,omitempty"`
	SuppressedAt      *time.Time     `json:"suppressed_at,omitempty"`
	TraceID           string         `json:"trace_id"`
	Context           map[string]any `json:"context,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// ExpiresAt returns the expiry instant, or false for permanent signals.
func (s *Signal) ExpiresAt() (time.Time, bool) {
	if s.TTLDays == nil {
		return time.Time{}, false
	}
	return s.CreatedAt.Add(time.Duration(*s.TTLDays) * 24 * time.Hour), true
}

// ExpiredAt reports whether the TTL has elapsed at now. Suppressed signals
// never expire; SUPPRESSED is terminal.
func (s *Signal) ExpiredAt(now time.Time) bool {
	if s.Status == SignalSuppressed {
		return false
	}
	exp, ok := s.ExpiresAt()
	return ok && !now.Before(exp)
}

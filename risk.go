package access

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/oarkflow/access/logger"
)

// Risk weights.
const (
	riskOffHours          = 0.2
	riskWeekend           = 0.1
	riskSensitiveAction   = 0.3
	riskSensitiveResource = 0.2
	riskNewLocation       = 0.3
	riskSuspiciousIP      = 0.4
	riskUntrustedDevice   = 0.2

	// MFAThreshold is the score at or above which MFA is always required.
	MFAThreshold = 0.7
)

var (
	highRiskActions = map[Action]bool{
		"delete":  true,
		"export":  true,
		"approve": true,
		"manage":  true,
	}
	sensitiveResources = map[string]bool{
		"financial": true,
		"hr":        true,
		"system":    true,
	}
)

// IsHighRiskAction reports whether a is one of the actions that add risk and
// trigger MFA for enrolled users.
func IsHighRiskAction(a Action) bool { return highRiskActions[a] }

// IsSensitiveResource reports whether resourceType is a sensitive domain.
func IsSensitiveResource(resourceType string) bool { return sensitiveResources[resourceType] }

// RiskLevelFor maps a score to its level.
func RiskLevelFor(score float64) RiskLevel {
	switch {
	case score >= 0.8:
		return RiskCritical
	case score >= 0.6:
		return RiskHigh
	case score >= 0.3:
		return RiskMedium
	default:
		return RiskLow
	}
}

// RiskAssessment is the scorer output.
type RiskAssessment struct {
	Score   float64
	Level   RiskLevel
	Factors []string
}

func (a *RiskAssessment) add(w float64, factor string) {
	a.Score += w
	a.Factors = append(a.Factors, factor)
}

// DeviceLookup resolves a device by id for the trust signal.
type DeviceLookup interface {
	GetDevice(ctx context.Context, id string) (*UserDevice, error)
}

// RiskScorer computes an additive risk score from independent signals. Every
// external lookup is optional and a failure removes only that signal.
type RiskScorer struct {
	geo        GeoResolver
	reputation IPReputation
	history    LocationHistory
	log        logger.Logger

	businessStart int
	businessEnd   int
}

// RiskOption configures a RiskScorer.
type RiskOption func(*RiskScorer)

func WithRiskGeoResolver(g GeoResolver) RiskOption { return func(s *RiskScorer) { s.geo = g } }
func WithRiskIPReputation(r IPReputation) RiskOption {
	return func(s *RiskScorer) { s.reputation = r }
}
func WithRiskLocationHistory(h LocationHistory) RiskOption {
	return func(s *RiskScorer) { s.history = h }
}
func WithRiskLogger(l logger.Logger) RiskOption { return func(s *RiskScorer) { s.log = l } }

// WithBusinessHours overrides the 06:00-22:00 window. Invalid clocks are ignored.
func WithBusinessHours(start, end string) RiskOption {
	return func(s *RiskScorer) {
		st, err1 := parseClock(start)
		en, err2 := parseClock(end)
		if err1 == nil && err2 == nil {
			s.businessStart, s.businessEnd = st, en
		}
	}
}

func NewRiskScorer(opts ...RiskOption) *RiskScorer {
	s := &RiskScorer{
		geo:           NullGeoResolver{},
		reputation:    NullIPReputation{},
		history:       NullLocationHistory{},
		log:           logger.NewNullLogger(),
		businessStart: 6 * 60,
		businessEnd:   22 * 60,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ResolveLocation returns the context location, falling back to the geo
// resolver when it is available. Lookup failures yield nil.
func (s *RiskScorer) ResolveLocation(ctx context.Context, actx AccessContext) *Location {
	if actx.Location != nil {
		return actx.Location
	}
	if actx.IP == nil || !available(s.geo) {
		return nil
	}
	loc, err := s.geo.Resolve(ctx, actx.IP)
	if err != nil {
		s.log.Warn("geo lookup failed", "ip", actx.IP.String(), "error", err)
		return nil
	}
	return loc
}

// Assess scores actx. devices may be nil, in which case the device signal
// counts as absent.
func (s *RiskScorer) Assess(ctx context.Context, actx AccessContext, devices DeviceLookup) RiskAssessment {
	var a RiskAssessment
	ts := actx.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	m := ts.Hour()*60 + ts.Minute()
	if m < s.businessStart || m >= s.businessEnd {
		a.add(riskOffHours, "off_hours")
	}
	if wd := ts.Weekday(); wd == time.Saturday || wd == time.Sunday {
		a.add(riskWeekend, "weekend")
	}
	if IsHighRiskAction(actx.Action) {
		a.add(riskSensitiveAction, "sensitive_action")
	}
	if IsSensitiveResource(actx.ResourceType) {
		a.add(riskSensitiveResource, "sensitive_resource")
	}
	if s.isNewLocation(ctx, actx) {
		a.add(riskNewLocation, "new_location")
	}
	if actx.IP != nil && available(s.reputation) {
		bad, err := s.reputation.IsSuspicious(ctx, actx.IP)
		if err != nil {
			s.log.Warn("ip reputation lookup failed", "ip", actx.IP.String(), "error", err)
		} else if bad {
			a.add(riskSuspiciousIP, "suspicious_ip")
		}
	}
	if !s.deviceTrusted(ctx, actx, devices) {
		a.add(riskUntrustedDevice, "untrusted_device")
	}

	a.Score = clampScore(a.Score)
	a.Level = RiskLevelFor(a.Score)
	return a
}

func (s *RiskScorer) isNewLocation(ctx context.Context, actx AccessContext) bool {
	if actx.UserID == "" || !available(s.history) {
		return false
	}
	key := s.ResolveLocation(ctx, actx).Key()
	if key == "" {
		return false
	}
	known, err := s.history.KnownLocations(ctx, actx.UserID)
	if err != nil {
		if !errors.Is(err, ErrUnavailable) {
			s.log.Warn("location history lookup failed", "user_id", actx.UserID, "error", err)
		}
		return false
	}
	// no baseline yet
	if len(known) == 0 {
		return false
	}
	for _, k := range known {
		if k == key {
			return false
		}
	}
	return true
}

func (s *RiskScorer) deviceTrusted(ctx context.Context, actx AccessContext, devices DeviceLookup) bool {
	if actx.DeviceID == "" || devices == nil {
		return false
	}
	d, err := devices.GetDevice(ctx, actx.DeviceID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.Warn("device lookup failed", "device_id", actx.DeviceID, "error", err)
		}
		return false
	}
	return d.UserID == actx.UserID && d.Status == DeviceActive && d.IsTrusted
}

// clampScore caps at 1.0 and rounds away float noise from repeated additions.
func clampScore(v float64) float64 {
	v = math.Round(v*1000) / 1000
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}

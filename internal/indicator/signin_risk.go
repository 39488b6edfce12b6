package indicator

import (
	"fmt"
	"math"
	"strings"

	"github.com/lvonguyen/idrisk/internal/telemetry"
)

const earthRadiusKm = 6371.0

// SR-01
func evalLegacyAuth(_ *evalContext, s *signInFacts) outcome {
	if !s.LegacyAuth {
		return outcome{}
	}
	return outcome{triggered: true, summary: "Legacy authentication protocol", items: []string{"client app: " + s.ClientApp}}
}

// SR-02: a successful sign-in that no signal shows completed MFA.
func evalNoMFA(_ *evalContext, s *signInFacts) outcome {
	if !s.Success || s.mfa {
		return outcome{}
	}
	items := []string{"auth requirement: " + orUnknown(s.AuthRequirement)}
	return outcome{triggered: true, summary: "Successful sign-in without MFA", items: items}
}

// SR-03
func evalPlatformRisk(_ *evalContext, s *signInFacts) outcome {
	if !elevatedRisk(s.RiskLevel, s.RiskState) {
		return outcome{}
	}
	items := []string{"risk level: " + s.RiskLevel}
	if len(s.RiskEventTypes) > 0 {
		items = append(items, "risk events: "+strings.Join(s.RiskEventTypes, ", "))
	}
	return outcome{triggered: true, summary: "Identity protection flags the sign-in as risky", items: items}
}

// SR-04
func evalAnonymizer(c *evalContext, s *signInFacts) outcome {
	if s.trusted {
		return outcome{}
	}
	var items []string
	for _, ev := range s.RiskEventTypes {
		if containsFold(c.settings.AnonymizerRiskEvents, ev) {
			items = append(items, "risk event: "+ev)
		}
	}
	if s.rep.Known && s.rep.IsTor {
		items = append(items, "reputation: tor exit node")
	}
	if len(items) == 0 {
		return outcome{}
	}
	return outcome{triggered: true, summary: "Sign-in from an anonymizing network", items: items}
}

// SR-05: abuse score between the medium and high thresholds.
func evalElevatedReputation(c *evalContext, s *signInFacts) outcome {
	if s.trusted || !s.rep.Known {
		return outcome{}
	}
	score := s.rep.AbuseScore
	if score < c.settings.AbuseMediumScore || score >= c.settings.AbuseHighScore {
		return outcome{}
	}
	return outcome{
		triggered: true,
		summary:   "Sign-in from an address with elevated abuse reports",
		items:     []string{fmt.Sprintf("abuse score: %d", score)},
	}
}

// SR-06
func evalUnusualCountry(c *evalContext, s *signInFacts) outcome {
	if s.trusted || !s.Success || c.predominant == "" || s.Country == "" {
		return outcome{}
	}
	if strings.EqualFold(s.Country, c.predominant) {
		return outcome{}
	}
	return outcome{
		triggered: true,
		summary:   "Sign-in outside the usual country",
		items:     []string{fmt.Sprintf("country %s, usual %s", s.Country, c.predominant)},
	}
}

// SR-07: the travel speed from the previous successful sign-in is not
// physically plausible.
func evalImpossibleTravel(c *evalContext, s *signInFacts) outcome {
	if !s.Success || !s.HasCoordinates || s.prev == nil {
		return outcome{}
	}
	prev := s.prev
	km := haversineKm(prev.Latitude, prev.Longitude, s.Latitude, s.Longitude)
	if km < c.settings.MinTravelDistanceKm {
		return outcome{}
	}
	hours := s.Time.Sub(prev.Time).Hours()
	speed := math.Inf(1)
	if hours > 0 {
		speed = km / hours
	}
	if speed <= c.settings.MaxTravelSpeedKmh {
		return outcome{}
	}
	detail := fmt.Sprintf("%.0f km from %s in %s", km, locationLabel(*prev), s.Time.Sub(prev.Time))
	return outcome{
		triggered: true,
		summary:   "Impossible travel from the previous sign-in",
		items:     []string{detail, "previous sign-in: " + prev.ID},
	}
}

// SR-08
func evalSessionAnomaly(_ *evalContext, s *signInFacts) outcome {
	if s.session == "" {
		return outcome{}
	}
	return outcome{
		triggered: true,
		summary:   "Session spans too many addresses or countries",
		items:     []string{"session: " + s.session},
	}
}

// SR-09: a high abuse score from hosting infrastructure.
func evalSuspiciousIPAndASN(c *evalContext, s *signInFacts) outcome {
	if s.trusted || !s.rep.Known || s.rep.AbuseScore < c.settings.AbuseHighScore {
		return outcome{}
	}
	hosting, why := c.hosting(s)
	if !hosting {
		return outcome{}
	}
	return outcome{
		triggered: true,
		summary:   "Sign-in from a high abuse hosting address",
		items:     []string{fmt.Sprintf("abuse score: %d", s.rep.AbuseScore), why},
	}
}

// SR-10
func evalHostingASN(c *evalContext, s *signInFacts) outcome {
	if s.trusted {
		return outcome{}
	}
	hosting, why := c.hosting(s)
	if !hosting {
		return outcome{}
	}
	return outcome{triggered: true, summary: "Sign-in from hosting infrastructure", items: []string{why}}
}

func (c *evalContext) hosting(s *signInFacts) (bool, string) {
	if s.ASN != 0 && c.hostingASN[s.ASN] {
		return true, fmt.Sprintf("AS%d %s", s.ASN, s.ASNOrg)
	}
	if s.rep.Known && s.rep.UsageType != "" && containsFold(c.settings.HostingUsageTypes, s.rep.UsageType) {
		return true, "usage type: " + s.rep.UsageType
	}
	return false, ""
}

// SR-11
func evalMFADenied(c *evalContext, s *signInFacts) outcome {
	if s.ErrorCode != 0 && c.mfaFailures[s.ErrorCode] {
		items := []string{fmt.Sprintf("error code: %d", s.ErrorCode)}
		if s.FailureReason != "" {
			items = append(items, s.FailureReason)
		}
		return outcome{triggered: true, summary: "MFA failed or was denied", items: items}
	}
	if denied, detail := mfaDenied(s.SignIn); denied {
		return outcome{triggered: true, summary: "MFA failed or was denied", items: []string{detail}}
	}
	return outcome{}
}

// SR-12: only an explicit non-compliant report counts; unknown is not.
func evalUnmanagedDevice(_ *evalContext, s *signInFacts) outcome {
	if !s.Success || !s.DeviceCompliant.IsFalse() || s.DeviceManaged.IsTrue() {
		return outcome{}
	}
	items := []string{"device: " + orUnknown(s.DeviceID)}
	return outcome{triggered: true, summary: "Successful sign-in from an unmanaged device", items: items}
}

// SR-13
func evalSuspiciousUserAgent(c *evalContext, s *signInFacts) outcome {
	if s.UserAgent == "" {
		return outcome{}
	}
	lower := strings.ToLower(s.UserAgent)
	for _, token := range c.settings.SuspiciousUserAgents {
		if token != "" && strings.Contains(lower, strings.ToLower(token)) {
			return outcome{
				triggered: true,
				summary:   "Scripted or tool user agent",
				items:     []string{"user agent: " + s.UserAgent},
			}
		}
	}
	return outcome{}
}

// SR-14
func evalNoConditionalAccess(_ *evalContext, s *signInFacts) outcome {
	if !s.Success || !strings.EqualFold(s.CAStatus, "notApplied") {
		return outcome{}
	}
	return outcome{triggered: true, summary: "No Conditional Access policy applied"}
}

// SR-15 lowers the score of sign-ins from countries the tenant expects.
func evalSafeCountry(c *evalContext, s *signInFacts) outcome {
	if !s.Success || s.Country == "" || !c.safe[strings.ToUpper(s.Country)] {
		return outcome{}
	}
	return outcome{triggered: true, summary: "Sign-in from a safe country", items: []string{"country: " + s.Country}}
}

// haversineKm returns the great circle distance between two points.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(a)))
}

func locationLabel(s telemetry.SignIn) string {
	switch {
	case s.City != "" && s.Country != "":
		return s.City + ", " + s.Country
	case s.Country != "":
		return s.Country
	default:
		return s.IP
	}
}

func containsFold(values []string, want string) bool {
	for _, v := range values {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

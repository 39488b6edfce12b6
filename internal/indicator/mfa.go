package indicator

import (
	"strings"

	"github.com/lvonguyen/idrisk/internal/telemetry"
)

const authRequirementMFA = "multifactorauthentication"

// mfaSatisfiedDetails are authentication step results that prove MFA.
var mfaSatisfiedDetails = []string{
	"mfa requirement satisfied",
	"mfa completed",
	"mfa successfully completed",
	"mfa requirement skipped due to remembered device",
}

// MFASatisfied reports whether any independent signal shows the sign-in
// completed MFA. A single signal is enough.
func MFASatisfied(s telemetry.SignIn) bool {
	if s.Success && strings.EqualFold(s.AuthRequirement, authRequirementMFA) {
		return true
	}
	for _, d := range s.StepDetails {
		lower := strings.ToLower(d)
		for _, want := range mfaSatisfiedDetails {
			if strings.Contains(lower, want) {
				return true
			}
		}
	}
	if s.AuthFactorCount >= 2 {
		return true
	}
	return strings.TrimSpace(s.MFAMethod) != ""
}

// mfaDenied reports whether a step result shows the user denied or failed MFA.
func mfaDenied(s telemetry.SignIn) (bool, string) {
	for _, d := range s.StepDetails {
		lower := strings.ToLower(d)
		if strings.HasPrefix(lower, "mfa denied") || strings.Contains(lower, "fraud code entered") {
			return true, d
		}
	}
	return false, ""
}

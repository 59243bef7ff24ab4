package monitor

import "github.com/rewired-gh/crashguard/internal/models"

const (
	// AccThreshold is the absolute acceleration threshold in g.
	AccThreshold = 2.5
	// RotThreshold is the absolute rotation threshold in °/s.
	RotThreshold = 200.0

	severeScore   = 2.0
	moderateScore = 1.5
)

// Score averages both magnitudes normalised by their absolute thresholds.
func Score(accMagnitude, rotMagnitude float64) float64 {
	return score(accMagnitude, rotMagnitude, AccThreshold, RotThreshold)
}

// Classify maps the correlated magnitudes to a severity tier.
func Classify(accMagnitude, rotMagnitude float64) models.Severity {
	return classify(accMagnitude, rotMagnitude, AccThreshold, RotThreshold)
}

func score(acc, rot, accThreshold, rotThreshold float64) float64 {
	return (acc/accThreshold + rot/rotThreshold) / 2
}

func classify(acc, rot, accThreshold, rotThreshold float64) models.Severity {
	total := score(acc, rot, accThreshold, rotThreshold)
	switch {
	case total > severeScore:
		return models.SeveritySevere
	case total > moderateScore:
		return models.SeverityModerate
	default:
		return models.SeverityMinor
	}
}

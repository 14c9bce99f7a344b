package alerts

import "math"

type ComfortLevel string

const (
	VeryComfortable ComfortLevel = "very_comfortable"
	Comfortable     ComfortLevel = "comfortable"
	LessComfortable ComfortLevel = "less_comfortable"
	Uncomfortable   ComfortLevel = "uncomfortable"
)

// ComfortIndex scores temperature and humidity against 26°C / 60%,
// weighted 60/40, on a 0..100 scale.
func ComfortIndex(temp, hum float64) int {
	tempScore := clamp(1 - math.Abs(temp-26)/10)
	humScore := clamp(1 - math.Abs(hum-60)/40)
	return int(math.Round((0.6*tempScore + 0.4*humScore) * 100))
}

func ComfortLabel(index int) ComfortLevel {
	switch {
	case index >= 80:
		return VeryComfortable
	case index >= 65:
		return Comfortable
	case index >= 50:
		return LessComfortable
	default:
		return Uncomfortable
	}
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

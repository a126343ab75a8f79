package audits

import "math"

// CalculateScore scores a list of item responses. NA items are left out of the total,
// every other item (answered or not) counts toward it, and only YES counts as passed.
// Percent is rounded to the nearest integer and is 0 when nothing is applicable.
func CalculateScore(items []AuditItem) Score {
	var s Score
	for _, it := range items {
		if it.Response == ResponseNA {
			continue
		}
		s.Total++
		if it.Response == ResponseYes {
			s.Passed++
		}
	}
	if s.Total > 0 {
		s.Percent = int(math.Round(float64(s.Passed) / float64(s.Total) * 100))
	}
	return s
}

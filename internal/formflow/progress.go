package formflow

import "math"

// OverallProgress is the unweighted mean of every step's completion
// percentage. Steps without required fields count as 100, so they raise the
// average as much as a finished required step does.
func OverallProgress(reg *Registry, sections map[string]map[string]any) int {
	n := reg.Len()
	if n == 0 {
		return 0
	}
	total := 0
	for _, step := range reg.steps {
		total += Completion(step, sections[step.ID])
	}
	return int(math.Round(float64(total) / float64(n)))
}

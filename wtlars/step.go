package wtlars

import "math"

// stepEvent is the winning active-set transition for one iteration.
type stepEvent struct {
	delta  float64
	column int  // global column index, -1 for the homotopy endpoint
	added  bool // true = add event, false = remove event
}

// chooseStep scans every candidate transition and returns the minimal
// feasible step along the current direction.
//
// Add candidates for an inactive, unmasked column i come in two sign
// branches, (λ−c[i])/(1−v[i]) and (λ+c[i])/(1+v[i]); candidates at or below
// the precision floor are infeasible. Columns are scanned in ascending order
// with the + branch first and a candidate replaces the incumbent only when
// strictly smaller, so ties resolve to the + branch and then the lowest
// column index.
//
// In L1 mode a remove candidate −x[j]/dI[j] is computed for every active
// column; a remove wins only when the active set holds more than one column
// and its minimum is strictly below the minimal add step.
//
// When no candidate is feasible (all columns active or masked), or the best
// candidate lies beyond the current radius λ, the path ends first: the step
// is the homotopy endpoint δ = λ, reported with column -1.
func (s *Solver) chooseStep(dI, v []float64) stepEvent {
	minAdd := math.Inf(1)
	addCol := -1
	for i := 0; i < s.op.Columns(); i++ {
		if s.masked[i] || s.activeFlag[i] {
			continue
		}
		if d := s.feasible((s.lambda - s.c[i]) / (1 - v[i])); d < minAdd {
			minAdd = d
			addCol = i
		}
		if d := s.feasible((s.lambda + s.c[i]) / (1 + v[i])); d < minAdd {
			minAdd = d
			addCol = i
		}
	}

	if !s.l0 && len(s.active) > 1 {
		minRem := math.Inf(1)
		remPos := -1
		for j := range s.active {
			if d := s.feasible(-s.x[j] / dI[j]); d < minRem {
				minRem = d
				remPos = j
			}
		}
		if remPos >= 0 && minRem < minAdd {
			return s.capAtEndpoint(stepEvent{delta: minRem, column: s.active[remPos], added: false})
		}
	}

	if addCol < 0 {
		return stepEvent{delta: s.lambda, column: -1, added: false}
	}
	return s.capAtEndpoint(stepEvent{delta: minAdd, column: addCol, added: true})
}

// capAtEndpoint replaces an event beyond the homotopy radius with the
// endpoint step: lambda reaches zero before the event's crossing.
func (s *Solver) capAtEndpoint(ev stepEvent) stepEvent {
	if ev.delta > s.lambda {
		return stepEvent{delta: s.lambda, column: -1, added: false}
	}
	return ev
}

// feasible maps a raw candidate step to +Inf when it is non-finite or not
// meaningfully positive.
func (s *Solver) feasible(d float64) float64 {
	if math.IsNaN(d) || math.IsInf(d, 0) || d <= s.floor {
		return math.Inf(1)
	}
	return d
}

// roundSig rounds x to the given number of significant digits. Compounded
// floating-point noise in delta otherwise causes false add/remove churn late
// in a run.
func roundSig(x float64, digits int) float64 {
	if x == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	exp := float64(digits-1) - math.Floor(math.Log10(math.Abs(x)))
	scale := math.Pow(10, exp)
	return math.Round(x*scale) / scale
}

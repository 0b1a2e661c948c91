package grid

import (
	"fmt"
	"strings"

	"github.com/xtxerr/oceangrid/internal/errors"
)

// Candidate is a variable considered by SelectVariable.
type Candidate struct {
	Name  string
	Score int
}

// SelectVariable picks the data variable of a file.
//
// A configured name wins if the file has it. Otherwise candidates are the
// non-axis variables whose dimensions include both latDim and lonDim and
// whose remaining dimensions all have length 1. A candidate scores one
// point per axis dimension longer than 1. The single highest score wins;
// a tie at the top or no candidate at all is NoVariableDetected.
func SelectVariable(dataset string, vars []VarInfo, configured, latDim, lonDim string, axisVars ...string) (string, error) {
	if configured != "" {
		for _, v := range vars {
			if v.Name == configured {
				return configured, nil
			}
		}
		return "", &errors.LoadError{
			Kind:    errors.KindNoVariableDetected,
			Dataset: dataset,
			Reason:  fmt.Sprintf("configured variable %q not found (have %s)", configured, names(vars)),
		}
	}

	cands := Candidates(vars, latDim, lonDim, axisVars...)
	if len(cands) == 0 {
		return "", &errors.LoadError{
			Kind:    errors.KindNoVariableDetected,
			Dataset: dataset,
			Reason:  fmt.Sprintf("no variable over (%s, %s) among %s", latDim, lonDim, names(vars)),
		}
	}

	best := cands[0]
	tied := []string{best.Name}
	for _, c := range cands[1:] {
		switch {
		case c.Score > best.Score:
			best = c
			tied = []string{c.Name}
		case c.Score == best.Score:
			tied = append(tied, c.Name)
		}
	}
	if len(tied) > 1 {
		return "", &errors.LoadError{
			Kind:    errors.KindNoVariableDetected,
			Dataset: dataset,
			Reason:  fmt.Sprintf("ambiguous: %s score %d; set variable explicitly", strings.Join(tied, ", "), best.Score),
		}
	}
	return best.Name, nil
}

// Candidates returns the scored candidates in input order.
func Candidates(vars []VarInfo, latDim, lonDim string, axisVars ...string) []Candidate {
	var out []Candidate
	for _, v := range vars {
		if v.Name == latDim || v.Name == lonDim || containsString(axisVars, v.Name) {
			continue
		}
		score, ok := scoreVar(v, latDim, lonDim)
		if ok {
			out = append(out, Candidate{Name: v.Name, Score: score})
		}
	}
	return out
}

func scoreVar(v VarInfo, latDim, lonDim string) (int, bool) {
	hasLat, hasLon := false, false
	score := 0
	for k, d := range v.Dims {
		n := 0
		if k < len(v.Shape) {
			n = v.Shape[k]
		}
		switch d {
		case latDim:
			hasLat = true
			if n > 1 {
				score++
			}
		case lonDim:
			hasLon = true
			if n > 1 {
				score++
			}
		default:
			if n != 1 {
				return 0, false
			}
		}
	}
	return score, hasLat && hasLon
}

func names(vars []VarInfo) string {
	if len(vars) == 0 {
		return "[]"
	}
	out := make([]string, len(vars))
	for i, v := range vars {
		out[i] = v.Name
	}
	return "[" + strings.Join(out, ", ") + "]"
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

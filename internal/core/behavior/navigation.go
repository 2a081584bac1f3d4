package behavior

import "strings"

// NavigationClassifier decides whether a page path looks like a systematic
// crawl. Implementations must be pure and must not panic on any input.
type NavigationClassifier interface {
	IsSequential(path []string) bool
}

// NavigationClassifierFunc adapts a function to NavigationClassifier.
type NavigationClassifierFunc func(path []string) bool

func (f NavigationClassifierFunc) IsSequential(path []string) bool {
	return f(path)
}

// MonotonicSlugClassifier flags a path whose slugs, in first-visit order,
// almost always increase under natural ordering ("page-2" < "page-10").
// A step that does not increase is a backtrack.
type MonotonicSlugClassifier struct {
	MinPages          int
	MaxBacktrackRatio float64
}

func (c MonotonicSlugClassifier) IsSequential(path []string) bool {
	minPages := c.MinPages
	if minPages < 2 {
		minPages = 2
	}
	if len(path) < minPages {
		return false
	}

	backtracks := 0
	for i := 1; i < len(path); i++ {
		if naturalLess(path[i-1], path[i]) {
			continue
		}
		backtracks++
	}

	steps := float64(len(path) - 1)
	return float64(backtracks)/steps <= c.MaxBacktrackRatio
}

// naturalLess compares strings treating digit runs as numbers.
func naturalLess(a, b string) bool {
	a, b = strings.ToLower(a), strings.ToLower(b)
	for a != "" && b != "" {
		ca, cb := a[0], b[0]
		if isDigit(ca) && isDigit(cb) {
			na, restA := leadingDigits(a)
			nb, restB := leadingDigits(b)
			if c := compareNumeric(na, nb); c != 0 {
				return c < 0
			}
			a, b = restA, restB
			continue
		}
		if ca != cb {
			return ca < cb
		}
		a, b = a[1:], b[1:]
	}
	return len(a) < len(b)
}

func leadingDigits(s string) (string, string) {
	i := 0
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	return s[:i], s[i:]
}

// compareNumeric compares two digit strings of any length.
func compareNumeric(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

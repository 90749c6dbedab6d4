package events

import (
	"fmt"
	"regexp"
)

// Detector recognizes one family of personal data inside a string.
type Detector interface {
	Name() string
	Detect(s string) bool
}

type patternDetector struct {
	name  string
	re    *regexp.Regexp
	check func(match string) bool
}

func (d patternDetector) Name() string { return d.name }

func (d patternDetector) Detect(s string) bool {
	if d.check == nil {
		return d.re.MatchString(s)
	}
	for _, m := range d.re.FindAllString(s, -1) {
		if d.check(m) {
			return true
		}
	}
	return false
}

// Detector names accepted by DetectorsByName.
const (
	DetectorCPF        = "cpf"
	DetectorSSN        = "ssn"
	DetectorEmail      = "email"
	DetectorPhone      = "phone"
	DetectorCard       = "card"
	DetectorPersonName = "person_name"
)

var builtinDetectors = map[string]Detector{
	DetectorCPF: patternDetector{
		name: DetectorCPF,
		re:   regexp.MustCompile(`\b\d{3}\.?\d{3}\.?\d{3}-?\d{2}\b`),
	},
	DetectorSSN: patternDetector{
		name: DetectorSSN,
		re:   regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	},
	DetectorEmail: patternDetector{
		name: DetectorEmail,
		re:   regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
	},
	DetectorPhone: patternDetector{
		name: DetectorPhone,
		re:   regexp.MustCompile(`(?:\+\d{1,3}[\s.\-]?)?\(?\d{2,3}\)?[\s.\-]?\d{3,5}[\s.\-]?\d{4}\b`),
	},
	DetectorCard: patternDetector{
		name:  DetectorCard,
		re:    regexp.MustCompile(`\b(?:\d[ \-]?){12,18}\d\b`),
		check: luhnValid,
	},
	DetectorPersonName: patternDetector{
		name: DetectorPersonName,
		re:   regexp.MustCompile(`\p{Lu}\p{Ll}+(?:\s+(?:d[aeo]s?\s+)?\p{Lu}\p{Ll}+)+`),
	},
}

// defaultOrder puts the specific identifiers first so a CPF is reported as
// cpf rather than phone.
var defaultOrder = []string{DetectorCPF, DetectorSSN, DetectorCard, DetectorEmail, DetectorPhone, DetectorPersonName}

// DefaultDetectors returns every builtin detector.
func DefaultDetectors() []Detector {
	out, _ := DetectorsByName(defaultOrder)
	return out
}

// DetectorsByName resolves configured detector names, keeping their order.
func DetectorsByName(names []string) ([]Detector, error) {
	out := make([]Detector, 0, len(names))
	for _, n := range names {
		d, ok := builtinDetectors[n]
		if !ok {
			return nil, fmt.Errorf("unknown PII detector %q", n)
		}
		out = append(out, d)
	}
	return out, nil
}

// Finding records which detector fired on which property. It never carries
// the matched value.
type Finding struct {
	Field    string
	Detector string
	// Dropped is set when the property was removed instead of masked.
	Dropped bool
}

func luhnValid(s string) bool {
	sum, n := 0, 0
	double := false
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c < '0' || c > '9' {
			continue
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
		n++
	}
	return n >= 13 && sum%10 == 0
}

func redacted(detector string) string {
	return "[redacted:" + detector + "]"
}

// scan returns the first detector that fires on v, walking nested values.
func scan(detectors []Detector, v any) (string, bool) {
	switch t := v.(type) {
	case string:
		for _, d := range detectors {
			if d.Detect(t) {
				return d.Name(), true
			}
		}
	case []any:
		for _, e := range t {
			if name, ok := scan(detectors, e); ok {
				return name, true
			}
		}
	case map[string]any:
		for _, e := range t {
			if name, ok := scan(detectors, e); ok {
				return name, true
			}
		}
	}
	return "", false
}

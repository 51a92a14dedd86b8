package dirstore

import "fmt"

// Severity grades a project-scan finding.
type Severity int

const (
	// SeverityCritical marks a finding that makes the project unusable.
	SeverityCritical Severity = iota
	// SeverityMajor marks a glyph file that had to be skipped.
	SeverityMajor
	// SeverityMinor marks an oddity that does not affect functionality.
	SeverityMinor
)

// String returns a human-readable representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "CRITICAL"
	case SeverityMajor:
		return "MAJOR"
	case SeverityMinor:
		return "MINOR"
	default:
		return "UNKNOWN"
	}
}

// ScanFinding is one issue discovered while scanning a project directory.
// Findings are accumulated during Open and can be inspected afterwards; a
// project with findings is still usable unless the project itself was
// unreadable.
type ScanFinding struct {
	Path     string
	Issue    string
	Severity Severity
}

// String returns a human-readable representation of the finding.
func (f ScanFinding) String() string {
	return fmt.Sprintf("[%s] %s: %s", f.Severity, f.Path, f.Issue)
}

// scanCollector accumulates findings during a project scan.
type scanCollector struct {
	findings []ScanFinding
}

func (c *scanCollector) add(path, issue string, severity Severity) {
	c.findings = append(c.findings, ScanFinding{Path: path, Issue: issue, Severity: severity})
}

// ScanFindings returns the issues found while the project was opened.
func (s *Store) ScanFindings() []ScanFinding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ScanFinding(nil), s.findings...)
}

// Package quality scores and flags canonical ticks through an ordered
// rule engine plus a rolling statistical anomaly detector.
package quality

import (
	"math"
	"time"

	"github.com/ionixcorp/BetaBot/internal/tick"
)

// Severity grades a validation issue.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Result is the overall outcome for a tick.
type Result string

const (
	ResultPass Result = "pass"
	ResultWarn Result = "warn"
	ResultFail Result = "fail"
)

// Issue describes a single rule finding.
type Issue struct {
	Rule     string         `json:"rule"`
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"`
	Field    string         `json:"field,omitempty"`
	Expected any            `json:"expected,omitempty"`
	Actual   any            `json:"actual,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
}

// Report aggregates the findings for one tick. Reports are created
// fresh per tick; nothing is shared across validations.
type Report struct {
	ID               string        `json:"id"`
	TickKey          string        `json:"tick_key"`
	Timestamp        time.Time     `json:"timestamp"`
	Result           Result        `json:"result"`
	QualityScore     float64       `json:"quality_score"`
	Issues           []Issue       `json:"issues"`
	ProcessingTime   time.Duration `json:"-"`
	ProcessingTimeMs float64       `json:"processing_time_ms"`
	RulesExecuted    int           `json:"rules_executed"`
	AnomalyChecks    int           `json:"anomaly_checks"`
}

// IsValid reports a clean pass.
func (r *Report) IsValid() bool { return r.Result == ResultPass }

// HasErrors reports any ERROR or CRITICAL issue.
func (r *Report) HasErrors() bool {
	for _, is := range r.Issues {
		if is.Severity == SeverityError || is.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// IssuesBySeverity filters the issue list.
func (r *Report) IssuesBySeverity(sev Severity) []Issue {
	var out []Issue
	for _, is := range r.Issues {
		if is.Severity == sev {
			out = append(out, is)
		}
	}
	return out
}

func deriveResult(issues []Issue) Result {
	if len(issues) == 0 {
		return ResultPass
	}
	for _, is := range issues {
		if is.Severity == SeverityError || is.Severity == SeverityCritical {
			return ResultFail
		}
	}
	return ResultWarn
}

// severityPenalty maps severity to its quality score deduction.
func severityPenalty(sev Severity) float64 {
	switch sev {
	case SeverityCritical:
		return 0.4
	case SeverityError:
		return 0.2
	case SeverityWarning:
		return 0.1
	default:
		return 0.05
	}
}

// deriveQualityScore starts at 1.0, applies per-issue penalties, adds a
// completeness bonus for present volume/bid/ask, and clamps to [0,1].
func deriveQualityScore(t *tick.Tick, issues []Issue) float64 {
	score := 1.0
	for _, is := range issues {
		score -= severityPenalty(is.Severity)
	}

	present := 0
	if t.Volume.Valid {
		present++
	}
	if t.Bid.Valid {
		present++
	}
	if t.Ask.Valid {
		present++
	}
	score += float64(present) / 3 * 0.1

	return math.Max(0.0, math.Min(1.0, score))
}

// Summary aggregates multiple reports for offline analysis.
type Summary struct {
	TotalReports        int                `json:"total_reports"`
	Passed              int                `json:"passed"`
	Warned              int                `json:"warned"`
	Failed              int                `json:"failed"`
	PassRatePct         float64            `json:"pass_rate_percent"`
	AverageQualityScore float64            `json:"average_quality_score"`
	TotalIssues         int                `json:"total_issues"`
	IssuesByRule        map[string]int     `json:"issues_by_rule"`
	IssuesBySeverity    map[Severity]int   `json:"issues_by_severity"`
}

// AnalyzeReports summarises pass/warn/fail counts and issue histograms.
func AnalyzeReports(reports []*Report) Summary {
	s := Summary{
		IssuesByRule:     map[string]int{},
		IssuesBySeverity: map[Severity]int{},
	}
	if len(reports) == 0 {
		return s
	}
	var qualitySum float64
	for _, r := range reports {
		s.TotalReports++
		switch r.Result {
		case ResultPass:
			s.Passed++
		case ResultWarn:
			s.Warned++
		case ResultFail:
			s.Failed++
		}
		qualitySum += r.QualityScore
		for _, is := range r.Issues {
			s.TotalIssues++
			s.IssuesByRule[is.Rule]++
			s.IssuesBySeverity[is.Severity]++
		}
	}
	s.PassRatePct = float64(s.Passed) / float64(s.TotalReports) * 100
	s.AverageQualityScore = qualitySum / float64(s.TotalReports)
	return s
}

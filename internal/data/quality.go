package data

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nanlnjz1979/QWeSDK/pkg/types"
)

// Validator checks a daily bar series before it is fed into a simulation.
// Bad history corrupts every downstream number, so findings are surfaced as a
// report the caller can gate on rather than silently repaired.
type Validator struct {
	logger *zap.Logger

	// MaxGapMove is the largest tolerated close-to-close change between
	// consecutive bars, as a fraction.
	MaxGapMove float64
}

// Issue is one data quality finding.
type Issue struct {
	Type     string    `json:"type"`
	Severity string    `json:"severity"`
	Code     string    `json:"code"`
	Date     time.Time `json:"date"`
	Message  string    `json:"message"`
}

// QualityReport summarizes the checks for one instrument series.
type QualityReport struct {
	Code         string    `json:"code"`
	TotalBars    int       `json:"totalBars"`
	Issues       []Issue   `json:"issues"`
	QualityScore int       `json:"qualityScore"`
	IsUsable     bool      `json:"isUsable"`
	StartDate    time.Time `json:"startDate"`
	EndDate      time.Time `json:"endDate"`
}

// NewValidator creates a validator with A-share defaults: the 10% daily price
// limit plus headroom for ex-dividend gaps.
func NewValidator(logger *zap.Logger) *Validator {
	return &Validator{
		logger:     logger,
		MaxGapMove: 0.25,
	}
}

// Validate runs all checks over one instrument's bars.
func (v *Validator) Validate(code string, bars []types.Bar) *QualityReport {
	report := &QualityReport{Code: code, TotalBars: len(bars)}
	if len(bars) == 0 {
		report.Issues = append(report.Issues, Issue{
			Type: "NO_DATA", Severity: "critical", Code: code,
			Message: "no bars in series",
		})
		return report
	}

	report.StartDate = bars[0].Date
	report.EndDate = bars[len(bars)-1].Date

	var prevDate time.Time
	var prevClose decimal.Decimal
	for i, b := range bars {
		if i > 0 {
			if !b.Date.After(prevDate) {
				report.Issues = append(report.Issues, Issue{
					Type: "OUT_OF_ORDER", Severity: "critical", Code: code, Date: b.Date,
					Message: fmt.Sprintf("bar %d not after previous date %s", i, prevDate.Format("2006-01-02")),
				})
			}
			if !prevClose.IsZero() {
				gap, _ := b.Close.Sub(prevClose).Div(prevClose).Abs().Float64()
				if gap > v.MaxGapMove {
					report.Issues = append(report.Issues, Issue{
						Type: "EXTREME_GAP", Severity: "high", Code: code, Date: b.Date,
						Message: fmt.Sprintf("close moved %.1f%% from previous bar", gap*100),
					})
				}
			}
		}

		if !b.Open.IsPositive() || !b.High.IsPositive() || !b.Low.IsPositive() || !b.Close.IsPositive() {
			report.Issues = append(report.Issues, Issue{
				Type: "NON_POSITIVE_PRICE", Severity: "critical", Code: code, Date: b.Date,
				Message: "bar carries a zero or negative price",
			})
		}
		if b.High.LessThan(b.Open) || b.High.LessThan(b.Close) ||
			b.Low.GreaterThan(b.Open) || b.Low.GreaterThan(b.Close) {
			report.Issues = append(report.Issues, Issue{
				Type: "OHLC_INCONSISTENT", Severity: "high", Code: code, Date: b.Date,
				Message: "high/low do not bound open/close",
			})
		}
		if b.Volume.IsNegative() {
			report.Issues = append(report.Issues, Issue{
				Type: "NEGATIVE_VOLUME", Severity: "high", Code: code, Date: b.Date,
				Message: "negative volume",
			})
		}

		prevDate = b.Date
		prevClose = b.Close
	}

	report.QualityScore = score(report.Issues)
	report.IsUsable = report.QualityScore >= 50 && !hasCritical(report.Issues)

	if len(report.Issues) > 0 {
		v.logger.Warn("data quality issues found",
			zap.String("code", code),
			zap.Int("issues", len(report.Issues)),
			zap.Int("score", report.QualityScore),
		)
	}
	return report
}

func score(issues []Issue) int {
	s := 100
	for _, issue := range issues {
		switch issue.Severity {
		case "critical":
			s -= 25
		case "high":
			s -= 10
		default:
			s -= 2
		}
	}
	if s < 0 {
		s = 0
	}
	return s
}

func hasCritical(issues []Issue) bool {
	for _, issue := range issues {
		if issue.Severity == "critical" {
			return true
		}
	}
	return false
}

package tideflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jeanjacintho/tide-flow-sub000/gateway"
)

// Analytics reads the company-scoped corporate dashboards. Payloads are
// returned as opaque documents; only report id and status are interpreted.
type Analytics struct {
	ai       *gateway.Client
	sessions SnapshotSource
	poll     ReportPollConfig
	logger   *slog.Logger
	metrics  *Metrics
	audit    *auditDispatcher
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func newAnalytics(ai *gateway.Client, sessions SnapshotSource, poll ReportPollConfig, logger *slog.Logger, metrics *Metrics, audit *auditDispatcher, now func() time.Time) *Analytics {
	return &Analytics{
		ai:       ai,
		sessions: sessions,
		poll:     poll,
		logger:   logger,
		metrics:  metrics,
		audit:    audit,
		now:      now,
		sleep:    sleepContext,
	}
}

func (a *Analytics) companyPath(suffix string) (string, error) {
	snap := a.sessions.Snapshot()
	if !snap.Authenticated() {
		return "", ErrUnauthenticated
	}
	company := strings.TrimSpace(snap.Principal.CompanyID)
	if company == "" {
		return "", ErrNoCompany
	}
	return "/api/corporate/" + url.PathEscape(company) + suffix, nil
}

func (a *Analytics) get(ctx context.Context, suffix string, query url.Values) (Document, error) {
	path, err := a.companyPath(suffix)
	if err != nil {
		return nil, err
	}
	return a.ai.Do(ctx, gateway.Request{Method: http.MethodGet, Path: path, Query: query})
}

// Overview returns the dashboard summary.
func (a *Analytics) Overview(ctx context.Context) (Document, error) {
	return a.get(ctx, "/dashboard/overview", nil)
}

// StressTimeline returns stress levels for the last days days.
func (a *Analytics) StressTimeline(ctx context.Context, days int) (Document, error) {
	if days <= 0 {
		days = 30
	}
	return a.get(ctx, "/dashboard/stress-timeline", url.Values{"days": {strconv.Itoa(days)}})
}

// DepartmentHeatmap returns per-department wellbeing scores.
func (a *Analytics) DepartmentHeatmap(ctx context.Context) (Document, error) {
	return a.get(ctx, "/dashboard/department-heatmap", nil)
}

// TurnoverPrediction returns the attrition risk forecast.
func (a *Analytics) TurnoverPrediction(ctx context.Context) (Document, error) {
	return a.get(ctx, "/dashboard/turnover-prediction", nil)
}

// ImpactAnalysis returns the effect of company actions on wellbeing.
func (a *Analytics) ImpactAnalysis(ctx context.Context) (Document, error) {
	return a.get(ctx, "/dashboard/impact-analysis", nil)
}

/*
====================================
REPORTS
====================================
*/

// ReportStatus is the lifecycle state the AI service reports.
type ReportStatus string

const (
	ReportPending    ReportStatus = "PENDING"
	ReportGenerating ReportStatus = "GENERATING"
	ReportCompleted  ReportStatus = "COMPLETED"
	ReportFailed     ReportStatus = "FAILED"
)

// Terminal reports whether polling can stop.
func (s ReportStatus) Terminal() bool {
	return s.Ready() || s.Failed()
}

// Ready reports a completed report, accepting the service's aliases.
func (s ReportStatus) Ready() bool {
	switch ReportStatus(strings.ToUpper(string(s))) {
	case ReportCompleted, "READY", "DONE":
		return true
	}
	return false
}

// Failed reports a terminal failure.
func (s ReportStatus) Failed() bool {
	switch ReportStatus(strings.ToUpper(string(s))) {
	case ReportFailed, "ERROR":
		return true
	}
	return false
}

// ReportRequest asks for a new report.
type ReportRequest struct {
	Type         string `json:"reportType"`
	PeriodStart  string `json:"periodStart,omitempty"`
	PeriodEnd    string `json:"periodEnd,omitempty"`
	DepartmentID string `json:"departmentId,omitempty"`
}

// Report is one generated report. Raw holds the full document.
type Report struct {
	ID     string
	Status ReportStatus
	Raw    Document
}

func decodeReport(doc Document) (Report, error) {
	var head struct {
		ID     flexString `json:"id"`
		Status string     `json:"status"`
	}
	if err := json.Unmarshal(doc, &head); err != nil {
		return Report{}, fmt.Errorf("%w: report: %v", gateway.ErrInvalidResponse, err)
	}
	return Report{ID: string(head.ID), Status: ReportStatus(head.Status), Raw: doc}, nil
}

// GenerateReport starts generation and returns the report as first
// acknowledged, usually still pending.
func (a *Analytics) GenerateReport(ctx context.Context, req ReportRequest) (Report, error) {
	if strings.TrimSpace(req.Type) == "" {
		return Report{}, fmt.Errorf("%w: report type is required", ErrValidationFailed)
	}
	path, err := a.companyPath("/reports")
	if err != nil {
		return Report{}, err
	}
	doc, err := a.ai.Do(ctx, gateway.Request{Method: http.MethodPost, Path: path, Body: req})
	if err != nil {
		return Report{}, err
	}
	rep, err := decodeReport(doc)
	if err != nil {
		return Report{}, err
	}
	if rep.ID == "" {
		return Report{}, fmt.Errorf("%w: report id missing", gateway.ErrInvalidResponse)
	}

	a.metrics.Inc(MetricReportGenerated)
	emitAudit(ctx, a.audit, a.now, AuditReportGenerated, a.userID(), true, nil, map[string]string{
		"report_id": rep.ID,
		"type":      req.Type,
	})
	return rep, nil
}

// ListReports returns the raw report list.
func (a *Analytics) ListReports(ctx context.Context) (Document, error) {
	return a.get(ctx, "/reports", nil)
}

// GetReport fetches one report and its current status.
func (a *Analytics) GetReport(ctx context.Context, id string) (Report, error) {
	doc, err := a.get(ctx, "/reports/"+url.PathEscape(id), nil)
	if err != nil {
		return Report{}, err
	}
	return decodeReport(doc)
}

// DeleteReport removes a report.
func (a *Analytics) DeleteReport(ctx context.Context, id string) error {
	path, err := a.companyPath("/reports/" + url.PathEscape(id))
	if err != nil {
		return err
	}
	_, err = a.ai.Do(ctx, gateway.Request{Method: http.MethodDelete, Path: path})
	return err
}

func (a *Analytics) userID() string {
	if snap := a.sessions.Snapshot(); snap.Principal != nil {
		return snap.Principal.ID
	}
	return ""
}

/*
====================================
POLLING
====================================
*/

// PollOutcome is how AwaitReport ended without error.
type PollOutcome uint8

const (
	// PollReady means the report completed.
	PollReady PollOutcome = iota + 1
	// PollPending means attempts ran out; the surface offers a refresh.
	PollPending
)

func (o PollOutcome) String() string {
	switch o {
	case PollReady:
		return "ready"
	case PollPending:
		return "pending"
	default:
		return "unknown"
	}
}

// PollResult is the last observed report and how polling ended.
type PollResult struct {
	Outcome  PollOutcome
	Report   Report
	Attempts int
}

// AwaitReport polls a report until it is terminal or the attempt budget is
// spent. Delays grow by Multiplier from InitialDelay up to MaxDelay. A
// FAILED status returns ErrReportFailed; fetch errors are returned as is so
// the surface can show them in place with a retry.
func (a *Analytics) AwaitReport(ctx context.Context, id string) (PollResult, error) {
	attempts := a.poll.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := a.poll.InitialDelay

	var last Report
	for attempt := 1; attempt <= attempts; attempt++ {
		rep, err := a.GetReport(ctx, id)
		if err != nil {
			return PollResult{Report: last, Attempts: attempt}, err
		}
		last = rep

		switch {
		case rep.Status.Ready():
			a.metrics.Inc(MetricReportReady)
			return PollResult{Outcome: PollReady, Report: rep, Attempts: attempt}, nil
		case rep.Status.Failed():
			a.metrics.Inc(MetricReportFailed)
			return PollResult{Report: rep, Attempts: attempt}, fmt.Errorf("%w: report %s", ErrReportFailed, id)
		}

		if attempt == attempts {
			break
		}
		if err := a.sleep(ctx, delay); err != nil {
			return PollResult{Report: last, Attempts: attempt}, err
		}
		delay = nextDelay(delay, a.poll.Multiplier, a.poll.MaxDelay)
	}

	a.metrics.Inc(MetricReportPending)
	a.logger.Info("report still pending", "report_id", id, "attempts", attempts)
	return PollResult{Outcome: PollPending, Report: last, Attempts: attempts}, nil
}

func nextDelay(cur time.Duration, mult float64, ceiling time.Duration) time.Duration {
	if mult < 1 {
		mult = 1
	}
	next := time.Duration(float64(cur) * mult)
	if ceiling > 0 && next > ceiling {
		return ceiling
	}
	return next
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

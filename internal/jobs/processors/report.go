package processors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	docrepo "github.com/yungbote/labflow-backend/internal/data/repos/documents"
	"github.com/yungbote/labflow-backend/internal/domain/documents"
	"github.com/yungbote/labflow-backend/internal/domain/jobs"
	"github.com/yungbote/labflow-backend/internal/pkg/dbctx"
	"github.com/yungbote/labflow-backend/internal/platform/logger"
)

// errNotReady is retryable: analysis jobs for the document may still be in
// flight.
var errNotReady = errors.New("no lab values or analyses for document yet")

type ReportProcessor struct {
	log     *logger.Logger
	docs    docrepo.DocumentRepo
	results docrepo.ResultsRepo
	summary TextGenerator
}

// NewReportProcessor adds a generated summary section when summary is set.
func NewReportProcessor(log *logger.Logger, docs docrepo.DocumentRepo, results docrepo.ResultsRepo, summary TextGenerator) (*ReportProcessor, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if docs == nil || results == nil {
		return nil, fmt.Errorf("document and results repos required")
	}
	return &ReportProcessor{
		log:     log.With("processor", "Report"),
		docs:    docs,
		results: results,
		summary: summary,
	}, nil
}

type reportAnalysis struct {
	Type            string                `json:"analysis_type"`
	Confidence      float64               `json:"confidence"`
	Findings        []jobs.Finding        `json:"findings"`
	CriticalValues  []jobs.Finding        `json:"critical_values,omitempty"`
	Patterns        []jobs.Pattern        `json:"patterns,omitempty"`
	Trends          []jobs.Trend          `json:"trends,omitempty"`
	Recommendations []jobs.Recommendation `json:"recommendations,omitempty"`
}

type reportDoc struct {
	Title      string           `json:"title"`
	DocumentID string           `json:"document_id"`
	FileName   string           `json:"file_name"`
	Summary    string           `json:"summary,omitempty"`
	Values     []jobs.LabValue  `json:"values"`
	Analyses   []reportAnalysis `json:"analyses"`
}

func (p *ReportProcessor) HandleReport(ctx context.Context, job jobs.Job, pl jobs.ReportPayload) (*jobs.ReportResult, error) {
	dbc := dbctx.Context{Ctx: ctx}
	meta := map[string]any{"format": string(pl.Format)}

	doc, err := p.docs.GetByID(dbc, job.DocumentID)
	if err != nil {
		return nil, classify(job, fmt.Errorf("load document: %w", err), meta)
	}
	if doc == nil {
		return nil, classify(job, fmt.Errorf("%w: document %s not found", ErrInvalidInput, job.DocumentID), meta)
	}
	rd, err := p.collect(dbc, doc, pl)
	if err != nil {
		return nil, classify(job, err, meta)
	}
	if len(rd.Values) == 0 && len(rd.Analyses) == 0 {
		return nil, classify(job, errNotReady, meta)
	}
	if p.summary != nil {
		rd.Summary = p.summarize(ctx, rd)
	}

	format := pl.Format
	if format == "" {
		format = jobs.ReportFormatText
	}
	var body string
	sections := 0
	switch format {
	case jobs.ReportFormatJSON:
		raw, err := json.MarshalIndent(rd, "", "  ")
		if err != nil {
			return nil, classify(job, err, meta)
		}
		body = string(raw)
		sections = 1 + len(rd.Analyses)
	default:
		body, sections = renderText(rd)
	}

	if err := p.results.UpsertReport(dbc, &documents.Report{
		DocumentID: job.DocumentID,
		JobID:      job.ID,
		Title:      rd.Title,
		Format:     string(format),
		Body:       body,
	}); err != nil {
		return nil, classify(job, fmt.Errorf("store report: %w", err), meta)
	}

	p.log.Info("Report generated", "job_id", job.ID, "document_id", job.DocumentID, "format", format, "sections", sections)
	return &jobs.ReportResult{
		Title:    rd.Title,
		Format:   format,
		Body:     body,
		Sections: sections,
		Analyses: len(rd.Analyses),
	}, nil
}

func (p *ReportProcessor) collect(dbc dbctx.Context, doc *documents.Document, pl jobs.ReportPayload) (*reportDoc, error) {
	rd := &reportDoc{
		Title:      strings.TrimSpace(pl.Title),
		DocumentID: doc.ID,
		FileName:   doc.FileName,
		Values:     []jobs.LabValue{},
		Analyses:   []reportAnalysis{},
	}
	if rd.Title == "" {
		rd.Title = "Lab report: " + doc.FileName
	}

	sets, err := p.results.ListLabValues(dbc, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("load lab values: %w", err)
	}
	var all []jobs.LabValue
	for _, s := range sets {
		var vals []jobs.LabValue
		if err := json.Unmarshal(s.Values, &vals); err != nil {
			return nil, fmt.Errorf("%w: lab values for stage %s: %v", ErrInvalidInput, s.Stage, err)
		}
		all = append(all, vals...)
	}
	rd.Values = append(rd.Values, dedupeValues(all)...)

	rows, err := p.results.ListAnalyses(dbc, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("load analyses: %w", err)
	}
	for _, a := range rows {
		ra := reportAnalysis{Type: a.AnalysisType, Confidence: a.Confidence}
		if err := decodeColumns(
			column{a.Findings, &ra.Findings},
			column{a.CriticalValues, &ra.CriticalValues},
			column{a.Patterns, &ra.Patterns},
			column{a.Trends, &ra.Trends},
		); err != nil {
			return nil, fmt.Errorf("%w: analysis %s: %v", ErrInvalidInput, a.AnalysisType, err)
		}
		if pl.IncludeRecommendations {
			if err := decodeColumns(column{a.Recommendations, &ra.Recommendations}); err != nil {
				return nil, fmt.Errorf("%w: analysis %s: %v", ErrInvalidInput, a.AnalysisType, err)
			}
		}
		rd.Analyses = append(rd.Analyses, ra)
	}
	return rd, nil
}

type column struct {
	raw []byte
	out any
}

func decodeColumns(cols ...column) error {
	for _, c := range cols {
		if len(c.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(c.raw, c.out); err != nil {
			return err
		}
	}
	return nil
}

// summarize never fails the report; a missing summary is logged and skipped.
func (p *ReportProcessor) summarize(ctx context.Context, rd *reportDoc) string {
	facts, err := json.Marshal(struct {
		Values   []jobs.LabValue  `json:"values"`
		Analyses []reportAnalysis `json:"analyses"`
	}{rd.Values, rd.Analyses})
	if err != nil {
		return ""
	}
	system := "You write the summary paragraph of a lab report for a practitioner. " +
		"Use only the supplied values and findings. Keep it under 150 words and do not diagnose."
	text, err := p.summary.GenerateText(ctx, system, string(facts))
	if err != nil {
		p.log.Warn("Report summary unavailable", "document_id", rd.DocumentID, "error", err)
		return ""
	}
	return strings.TrimSpace(text)
}

func renderText(rd *reportDoc) (string, int) {
	var b strings.Builder
	sections := 0
	section := func(title string) {
		if sections > 0 {
			b.WriteString("\n")
		}
		sections++
		b.WriteString(title)
		b.WriteString("\n")
		b.WriteString(strings.Repeat("=", len(title)))
		b.WriteString("\n")
	}

	b.WriteString(rd.Title)
	b.WriteString("\n")
	fmt.Fprintf(&b, "Document: %s (%s)\n\n", rd.FileName, rd.DocumentID)

	if rd.Summary != "" {
		section("Summary")
		b.WriteString(rd.Summary)
		b.WriteString("\n")
	}
	if len(rd.Values) > 0 {
		section("Results")
		for _, v := range rd.Values {
			line := "- " + v.TestName + ": " + v.Value
			if v.Unit != "" {
				line += " " + v.Unit
			}
			if v.ReferenceRange != "" {
				line += " (ref " + v.ReferenceRange + ")"
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	for _, a := range rd.Analyses {
		section(fmt.Sprintf("%s analysis (confidence %.2f)", a.Type, a.Confidence))
		if len(a.CriticalValues) > 0 {
			b.WriteString("Critical values:\n")
			for _, f := range a.CriticalValues {
				fmt.Fprintf(&b, "  ! %s: %s\n", f.TestName, f.Description)
			}
		}
		if len(a.Findings) == 0 {
			b.WriteString("No findings.\n")
		}
		for _, f := range a.Findings {
			fmt.Fprintf(&b, "- [%s] %s %s\n", f.Significance, f.TestName, f.Description)
		}
		for _, pt := range a.Patterns {
			fmt.Fprintf(&b, "Pattern %s: %s\n", pt.Type, pt.Description)
		}
		for _, t := range a.Trends {
			fmt.Fprintf(&b, "Trend %s: %s (%+.1f%%)\n", t.TestName, t.Direction, t.PercentChange)
		}
		if len(a.Recommendations) > 0 {
			b.WriteString("Recommendations:\n")
			for _, r := range a.Recommendations {
				fmt.Fprintf(&b, "  * %s", r.Title)
				if r.Description != "" {
					fmt.Fprintf(&b, ": %s", r.Description)
				}
				b.WriteString("\n")
			}
		}
	}
	return b.String(), sections
}

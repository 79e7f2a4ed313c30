package processors

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"gorm.io/datatypes"

	docrepo "github.com/yungbote/labflow-backend/internal/data/repos/documents"
	"github.com/yungbote/labflow-backend/internal/domain/documents"
	"github.com/yungbote/labflow-backend/internal/domain/jobs"
	"github.com/yungbote/labflow-backend/internal/pkg/dbctx"
	"github.com/yungbote/labflow-backend/internal/platform/logger"
)

var categoryKeywords = []struct {
	category string
	keywords []string
}{
	{"GLUCOSE_METABOLISM", []string{"glucose", "a1c", "insulin"}},
	{"LIPIDS", []string{"cholesterol", "ldl", "hdl", "triglyceride"}},
	{"THYROID", []string{"tsh", "t3", "t4"}},
	{"INFLAMMATION", []string{"crp", "esr", "homocysteine"}},
	{"VITAMIN_MINERAL", []string{"vitamin", "ferritin", "iron", "b12", "folate", "magnesium", "zinc"}},
	{"LIVER", []string{"alt", "ast", "bilirubin", "alk", "alkaline"}},
	{"KIDNEY", []string{"creatinine", "bun", "egfr"}},
	{"BLOOD_COUNT", []string{"wbc", "rbc", "hemoglobin", "hematocrit", "platelet"}},
}

// categorize matches short keywords against whole tokens so "alt" does not
// hit "cobalt".
func categorize(testName string) string {
	lower := strings.ToLower(testName)
	tokens := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, c := range categoryKeywords {
		for _, kw := range c.keywords {
			if len(kw) > 4 {
				if strings.Contains(lower, kw) {
					return c.category
				}
				continue
			}
			for _, t := range tokens {
				if t == kw || (kw == "a1c" && strings.HasSuffix(t, kw)) {
					return c.category
				}
			}
		}
	}
	return "OTHER"
}

type refRange struct {
	lo, hi       float64
	hasLo, hasHi bool
}

func parseRange(s string) (refRange, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	if s == "" {
		return refRange{}, false
	}
	switch {
	case strings.HasPrefix(s, "<"):
		hi, err := strconv.ParseFloat(strings.TrimLeft(s, "<="), 64)
		return refRange{hi: hi, hasHi: true}, err == nil
	case strings.HasPrefix(s, ">"):
		lo, err := strconv.ParseFloat(strings.TrimLeft(s, ">="), 64)
		return refRange{lo: lo, hasLo: true}, err == nil
	}
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return refRange{}, false
	}
	lo, err1 := strconv.ParseFloat(parts[0], 64)
	hi, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || hi < lo {
		return refRange{}, false
	}
	return refRange{lo: lo, hi: hi, hasLo: true, hasHi: true}, true
}

func parseNumber(s string) (float64, bool) {
	s = strings.TrimLeft(strings.TrimSpace(s), "<>=")
	s = strings.ReplaceAll(s, ",", "")
	v, err := strconv.ParseFloat(s, 64)
	return v, err == nil && !math.IsNaN(v) && !math.IsInf(v, 0)
}

// RangeAnalyzer is a deterministic analyzer built on reference ranges.
type RangeAnalyzer struct{}

func (RangeAnalyzer) Analyze(_ context.Context, in AnalysisInput) (*jobs.AnalysisResult, error) {
	res := &jobs.AnalysisResult{
		AnalysisType:   in.Type,
		Patterns:       []jobs.Pattern{},
		Findings:       []jobs.Finding{},
		ValuesAnalyzed: len(in.Values),
	}
	abnormal := map[string][]string{}
	parseable := 0

	for _, v := range in.Values {
		x, ok := parseNumber(v.Value)
		if !ok {
			continue
		}
		parseable++
		r, ok := parseRange(v.ReferenceRange)
		if !ok {
			continue
		}
		cat := categorize(v.TestName)
		switch {
		case r.hasHi && x > r.hi:
			res.Findings = append(res.Findings, finding(v, cat, "HIGH", "above reference range "+v.ReferenceRange))
			abnormal[cat] = append(abnormal[cat], v.TestName)
			if x > r.hi*1.5 {
				res.CriticalValues = append(res.CriticalValues, finding(v, cat, "CRITICAL", "far above reference range "+v.ReferenceRange))
			}
		case r.hasLo && x < r.lo:
			res.Findings = append(res.Findings, finding(v, cat, "LOW", "below reference range "+v.ReferenceRange))
			abnormal[cat] = append(abnormal[cat], v.TestName)
			if r.lo > 0 && x < r.lo*0.5 {
				res.CriticalValues = append(res.CriticalValues, finding(v, cat, "CRITICAL", "far below reference range "+v.ReferenceRange))
			}
		case in.Type == jobs.AnalysisFunctionalMedicine && r.hasLo && r.hasHi && r.hi > r.lo:
			// Functional ranges are narrower than lab ranges. Values in
			// the outer tenth are reported as suboptimal.
			edge := (r.hi - r.lo) * 0.1
			if x < r.lo+edge {
				res.Findings = append(res.Findings, finding(v, cat, "SUBOPTIMAL_LOW", "in range but near the lower bound"))
			} else if x > r.hi-edge {
				res.Findings = append(res.Findings, finding(v, cat, "SUBOPTIMAL_HIGH", "in range but near the upper bound"))
			}
		}
	}

	cats := make([]string, 0, len(abnormal))
	for c := range abnormal {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	for _, c := range cats {
		names := abnormal[c]
		if len(names) < 2 {
			continue
		}
		sev := "MODERATE"
		if len(names) >= 3 {
			sev = "HIGH"
		}
		res.Patterns = append(res.Patterns, jobs.Pattern{
			Type:        c,
			Description: fmt.Sprintf("%d markers outside range: %s", len(names), strings.Join(names, ", ")),
			Severity:    sev,
			Confidence:  0.7,
		})
	}

	if in.Options.Recommendations {
		for _, f := range res.CriticalValues {
			res.Recommendations = append(res.Recommendations, jobs.Recommendation{
				Type:        "URGENT_REVIEW",
				Title:       "Review " + f.TestName + " promptly",
				Description: f.TestName + " is " + f.Description + ".",
			})
		}
		for _, f := range res.Findings {
			if f.Significance != "HIGH" && f.Significance != "LOW" {
				continue
			}
			res.Recommendations = append(res.Recommendations, jobs.Recommendation{
				Type:        "FOLLOW_UP",
				Title:       "Retest " + f.TestName,
				Description: f.TestName + " is " + f.Description + ".",
			})
		}
	}

	if in.Type == jobs.AnalysisTrend || in.Options.Trends {
		res.Trends = trends(in.Values, in.History)
	}

	if parseable > 0 {
		res.Confidence = 0.5 + 0.5*float64(parseable)/float64(len(in.Values))
	}
	return res, nil
}

func finding(v jobs.LabValue, category, significance, desc string) jobs.Finding {
	return jobs.Finding{
		TestName:     v.TestName,
		Category:     category,
		Description:  desc,
		Significance: significance,
		Confidence:   0.9,
	}
}

// trends compares each value with the newest earlier value of the same test.
func trends(current []jobs.LabValue, history [][]jobs.LabValue) []jobs.Trend {
	var out []jobs.Trend
	for _, v := range current {
		x, ok := parseNumber(v.Value)
		if !ok {
			continue
		}
		prev, ok := previousValue(v.TestName, history)
		if !ok {
			continue
		}
		change := 0.0
		if prev != 0 {
			change = (x - prev) / math.Abs(prev) * 100
		}
		out = append(out, jobs.Trend{
			TestName:      v.TestName,
			Direction:     direction(x, prev, change, v.ReferenceRange),
			PercentChange: math.Round(change*10) / 10,
		})
	}
	return out
}

func previousValue(testName string, history [][]jobs.LabValue) (float64, bool) {
	key := strings.ToLower(strings.TrimSpace(testName))
	for _, set := range history {
		for _, h := range set {
			if strings.ToLower(strings.TrimSpace(h.TestName)) != key {
				continue
			}
			if x, ok := parseNumber(h.Value); ok {
				return x, true
			}
		}
	}
	return 0, false
}

// direction reports movement relative to the range midpoint when a range is
// known, raw movement otherwise.
func direction(x, prev, change float64, rangeText string) string {
	if math.Abs(change) < 5 {
		return "STABLE"
	}
	if r, ok := parseRange(rangeText); ok && r.hasLo && r.hasHi {
		mid := (r.lo + r.hi) / 2
		if math.Abs(x-mid) < math.Abs(prev-mid) {
			return "IMPROVING"
		}
		return "WORSENING"
	}
	if change > 0 {
		return "INCREASING"
	}
	return "DECREASING"
}

type AnalysisProcessor struct {
	log      *logger.Logger
	docs     docrepo.DocumentRepo
	results  docrepo.ResultsRepo
	analyzer Analyzer
	now      func() time.Time
}

func NewAnalysisProcessor(log *logger.Logger, docs docrepo.DocumentRepo, results docrepo.ResultsRepo, analyzer Analyzer) (*AnalysisProcessor, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if docs == nil || results == nil {
		return nil, fmt.Errorf("document and results repos required")
	}
	if analyzer == nil {
		analyzer = RangeAnalyzer{}
	}
	return &AnalysisProcessor{
		log:      log.With("processor", "Analysis"),
		docs:     docs,
		results:  results,
		analyzer: analyzer,
		now:      time.Now,
	}, nil
}

func (p *AnalysisProcessor) HandleAnalysis(ctx context.Context, job jobs.Job, pl jobs.AnalysisPayload) (*jobs.AnalysisResult, error) {
	start := p.now()
	meta := map[string]any{"analysis_type": string(pl.AnalysisType)}
	stage, ok := pl.AnalysisType.Stage()
	if !ok {
		return nil, classify(job, fmt.Errorf("%w: unknown analysis type %q", ErrInvalidInput, pl.AnalysisType), meta)
	}
	if stage != job.Stage {
		return nil, classify(job, fmt.Errorf("%w: analysis type %s does not run on stage %s", ErrInvalidInput, pl.AnalysisType, job.Stage), meta)
	}
	dbc := dbctx.Context{Ctx: ctx}

	in := AnalysisInput{Type: pl.AnalysisType, Values: pl.LabValues, Options: pl.Options}
	if pl.AnalysisType == jobs.AnalysisTrend || pl.Options.Trends || pl.Options.ComparePrevious {
		hist, err := p.history(dbc, job, start)
		if err != nil {
			return nil, classify(job, fmt.Errorf("load history: %w", err), meta)
		}
		in.History = hist
	}

	res, err := p.analyzer.Analyze(ctx, in)
	if err != nil {
		p.setStatus(dbc, job.DocumentID, "FAILED")
		return nil, classify(job, fmt.Errorf("analyze: %w", err), meta)
	}
	elapsed := p.now().Sub(start).Milliseconds()

	row := &documents.Analysis{
		DocumentID:      job.DocumentID,
		AnalysisType:    string(pl.AnalysisType),
		ClientID:        job.ClientID,
		JobID:           job.ID,
		Patterns:        jsonColumn(res.Patterns),
		Findings:        jsonColumn(res.Findings),
		CriticalValues:  jsonColumn(res.CriticalValues),
		Recommendations: jsonColumn(res.Recommendations),
		Trends:          jsonColumn(res.Trends),
		LabValues:       jsonColumn(pl.LabValues),
		Confidence:      res.Confidence,
		ProcessingTime:  elapsed,
		CompletedAt:     p.now(),
	}
	if err := p.results.UpsertAnalysis(dbc, row); err != nil {
		p.setStatus(dbc, job.DocumentID, "FAILED")
		return nil, classify(job, fmt.Errorf("store analysis: %w", err), meta)
	}
	now := p.now()
	if _, err := p.docs.UpdateFields(dbc, job.DocumentID, map[string]interface{}{
		"analysis_status": "COMPLETED",
		"analysis_date":   &now,
	}); err != nil {
		return nil, classify(job, fmt.Errorf("update document: %w", err), meta)
	}

	p.log.Info("Analysis complete",
		"job_id", job.ID,
		"document_id", job.DocumentID,
		"analysis_type", pl.AnalysisType,
		"findings", len(res.Findings),
		"critical", len(res.CriticalValues),
		"ms", elapsed,
	)
	return res, nil
}

// history returns the client's earlier lab values from other documents,
// newest first.
func (p *AnalysisProcessor) history(dbc dbctx.Context, job jobs.Job, before time.Time) ([][]jobs.LabValue, error) {
	rows, err := p.results.ListAnalysesForClient(dbc, job.ClientID, "", before, 10)
	if err != nil {
		return nil, err
	}
	var out [][]jobs.LabValue
	seen := map[string]bool{job.DocumentID: true}
	for _, r := range rows {
		if seen[r.DocumentID] || len(r.LabValues) == 0 {
			continue
		}
		seen[r.DocumentID] = true
		var vals []jobs.LabValue
		if err := json.Unmarshal(r.LabValues, &vals); err != nil {
			p.log.Warn("Skipping unreadable analysis history", "document_id", r.DocumentID, "error", err)
			continue
		}
		out = append(out, vals)
	}
	return out, nil
}

func (p *AnalysisProcessor) setStatus(dbc dbctx.Context, documentID, status string) {
	if _, err := p.docs.UpdateFields(dbc, documentID, map[string]interface{}{"analysis_status": status}); err != nil {
		p.log.Warn("Update analysis status", "document_id", documentID, "error", err)
	}
}

func jsonColumn(v any) datatypes.JSON {
	raw, err := json.Marshal(v)
	if err != nil || string(raw) == "null" {
		return datatypes.JSON("[]")
	}
	return datatypes.JSON(raw)
}

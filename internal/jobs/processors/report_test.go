package processors

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/yungbote/labflow-backend/internal/data/repos/testutil"
	"github.com/yungbote/labflow-backend/internal/domain/documents"
	"github.com/yungbote/labflow-backend/internal/domain/jobs"
)

type stubText struct {
	text string
	err  error
}

func (s stubText) GenerateText(context.Context, string, string) (string, error) {
	return s.text, s.err
}

func seedResults(t *testing.T, e *env, docID string) {
	t.Helper()
	vals, _ := json.Marshal([]jobs.LabValue{
		{TestName: "Glucose", Value: "160", Unit: "mg/dL", ReferenceRange: "70-99"},
		{TestName: "TSH", Value: "2.1", Unit: "mIU/L"},
	})
	require.NoError(t, e.results.UpsertLabValues(e.dbc, &documents.LabValueSet{
		DocumentID: docID, Stage: string(jobs.StageDataParsing), JobID: "p1", Values: datatypes.JSON(vals),
	}))
	res, err := RangeAnalyzer{}.Analyze(context.Background(), AnalysisInput{
		Type:    jobs.AnalysisPatternRecognition,
		Values:  []jobs.LabValue{{TestName: "Glucose", Value: "160", ReferenceRange: "70-99"}},
		Options: jobs.AnalysisOptions{Recommendations: true},
	})
	require.NoError(t, err)
	require.NoError(t, e.results.UpsertAnalysis(e.dbc, &documents.Analysis{
		DocumentID:      docID,
		AnalysisType:    string(jobs.AnalysisPatternRecognition),
		ClientID:        "client-1",
		JobID:           "a1",
		Findings:        jsonColumn(res.Findings),
		CriticalValues:  jsonColumn(res.CriticalValues),
		Patterns:        jsonColumn(res.Patterns),
		Recommendations: jsonColumn(res.Recommendations),
		Trends:          jsonColumn(res.Trends),
		Confidence:      res.Confidence,
	}))
}

func TestReportText(t *testing.T) {
	e := newEnv(t)
	e.seedDoc(t, documents.Document{ID: "doc-1", ClientID: "client-1", FileName: "cbc.pdf"})
	seedResults(t, e, "doc-1")

	p, err := NewReportProcessor(testutil.Logger(t), e.docs, e.results, stubText{text: " Glucose is elevated. "})
	require.NoError(t, err)
	job := testJob(jobs.StageReportGeneration, "doc-1")
	res, err := p.HandleReport(context.Background(), job, jobs.ReportPayload{IncludeRecommendations: true})
	require.NoError(t, err)

	assert.Equal(t, "Lab report: cbc.pdf", res.Title)
	assert.Equal(t, jobs.ReportFormatText, res.Format)
	assert.Equal(t, 3, res.Sections)
	assert.Equal(t, 1, res.Analyses)
	assert.Contains(t, res.Body, "Summary\n=======\nGlucose is elevated.\n")
	assert.Contains(t, res.Body, "- Glucose: 160 mg/dL (ref 70-99)")
	assert.Contains(t, res.Body, "! Glucose: far above reference range 70-99")
	assert.Contains(t, res.Body, "Recommendations:")

	rep, err := e.results.GetReport(e.dbc, "doc-1")
	require.NoError(t, err)
	require.NotNil(t, rep)
	assert.Equal(t, res.Body, rep.Body)
	assert.Equal(t, job.ID, rep.JobID)
}

func TestReportJSONWithoutRecommendations(t *testing.T) {
	e := newEnv(t)
	e.seedDoc(t, documents.Document{ID: "doc-1", ClientID: "client-1", FileName: "cbc.pdf"})
	seedResults(t, e, "doc-1")

	p, err := NewReportProcessor(testutil.Logger(t), e.docs, e.results, stubText{err: errors.New("offline")})
	require.NoError(t, err)
	res, err := p.HandleReport(context.Background(), testJob(jobs.StageReportGeneration, "doc-1"), jobs.ReportPayload{
		Title:  "Quarterly panel",
		Format: jobs.ReportFormatJSON,
	})
	require.NoError(t, err)
	assert.Equal(t, "Quarterly panel", res.Title)

	var body reportDoc
	require.NoError(t, json.Unmarshal([]byte(res.Body), &body))
	assert.Empty(t, body.Summary)
	assert.Len(t, body.Values, 2)
	require.Len(t, body.Analyses, 1)
	assert.Empty(t, body.Analyses[0].Recommendations)
	assert.NotEmpty(t, body.Analyses[0].Findings)
}

func TestReportNotReadyAndMissing(t *testing.T) {
	e := newEnv(t)
	e.seedDoc(t, documents.Document{ID: "doc-1", ClientID: "client-1", FileName: "cbc.pdf"})
	p, err := NewReportProcessor(testutil.Logger(t), e.docs, e.results, nil)
	require.NoError(t, err)

	_, err = p.HandleReport(context.Background(), testJob(jobs.StageReportGeneration, "doc-1"), jobs.ReportPayload{})
	pe := requireProcessing(t, err, true)
	assert.ErrorIs(t, pe, errNotReady)

	_, err = p.HandleReport(context.Background(), testJob(jobs.StageReportGeneration, "nope"), jobs.ReportPayload{})
	requireProcessing(t, err, false)
}

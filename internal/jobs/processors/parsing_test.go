package processors

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/labflow-backend/internal/data/repos/testutil"
	"github.com/yungbote/labflow-backend/internal/domain/documents"
	"github.com/yungbote/labflow-backend/internal/domain/jobs"
)

const cbcText = `ACME LABS  Page 1 of 2
Patient: Jane Doe   DOB: 01/02/1980
Date 2024 03 01
Glucose, Fasting 105 H mg/dL 70-99
TSH: 2.1 mIU/L 0.4-4.0
Hemoglobin A1c 5.9 % <5.7
HDL Cholesterol 38 L mg/dL >40
Vitamin B12 450 pg/mL 200 - 900
Glucose, Fasting 99 mg/dL 70-99
Comments: none`

func TestRegexParser(t *testing.T) {
	vals, err := RegexParser{}.ParseValues(context.Background(), cbcText, jobs.ParsingPayload{})
	require.NoError(t, err)

	byName := map[string]jobs.LabValue{}
	for _, v := range vals {
		byName[v.TestName] = v
	}
	require.Len(t, vals, 5, "%+v", vals)

	assert.Equal(t, jobs.LabValue{TestName: "Glucose, Fasting", Value: "105", Unit: "mg/dL", ReferenceRange: "70-99"}, byName["Glucose, Fasting"])
	assert.Equal(t, jobs.LabValue{TestName: "TSH", Value: "2.1", Unit: "mIU/L", ReferenceRange: "0.4-4.0"}, byName["TSH"])
	assert.Equal(t, jobs.LabValue{TestName: "Hemoglobin A1c", Value: "5.9", Unit: "%", ReferenceRange: "<5.7"}, byName["Hemoglobin A1c"])
	assert.Equal(t, ">40", byName["HDL Cholesterol"].ReferenceRange)
	assert.Equal(t, "mg/dL", byName["HDL Cholesterol"].Unit)
	assert.Equal(t, "200-900", byName["Vitamin B12"].ReferenceRange)
	assert.NotContains(t, byName, "Date")
}

func TestParsingStoresValues(t *testing.T) {
	e := newEnv(t)
	e.seedDoc(t, documents.Document{ID: "doc-1", ClientID: "client-1", FileName: "cbc.pdf", Status: documents.StatusOCRComplete})
	p, err := NewParsingProcessor(testutil.Logger(t), e.docs, e.results, nil)
	require.NoError(t, err)

	job := testJob(jobs.StageDataParsing, "doc-1")
	res, err := p.HandleParsing(context.Background(), job, jobs.ParsingPayload{
		ExtractedText: cbcText,
		DocumentType:  "LAB_REPORT",
		Options:       jobs.ParsingOptions{StructuredOutput: true},
	})
	require.NoError(t, err)
	assert.Len(t, res.Values, 5)
	assert.Equal(t, "LAB_REPORT", res.DocumentType)

	sets, err := e.results.ListLabValues(e.dbc, "doc-1")
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Equal(t, "DATA_PARSING", sets[0].Stage)
	var stored []jobs.LabValue
	require.NoError(t, json.Unmarshal(sets[0].Values, &stored))
	assert.Equal(t, res.Values, stored)
	assert.Equal(t, documents.StatusParsed, e.doc(t, "doc-1").Status)

	// A redelivery replaces the earlier row.
	_, err = p.HandleParsing(context.Background(), job, jobs.ParsingPayload{ExtractedText: "TSH 3.3 mIU/L", DocumentType: "LAB_REPORT"})
	require.NoError(t, err)
	sets, err = e.results.ListLabValues(e.dbc, "doc-1")
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.JSONEq(t, `[{"test_name":"TSH","value":"3.3","unit":"mIU/L"}]`, string(sets[0].Values))
}

type stubParser struct {
	vals []jobs.LabValue
	err  error
}

func (s stubParser) ParseValues(context.Context, string, jobs.ParsingPayload) ([]jobs.LabValue, error) {
	return s.vals, s.err
}

func TestParsingStructuredAndValidation(t *testing.T) {
	e := newEnv(t)
	e.seedDoc(t, documents.Document{ID: "doc-1", ClientID: "client-1"})
	llm := stubParser{vals: []jobs.LabValue{
		{TestName: "Ferritin", Value: "12", Unit: "ng/mL"},
		{TestName: "Zinc"},
	}}
	p, err := NewParsingProcessor(testutil.Logger(t), e.docs, e.results, llm)
	require.NoError(t, err)

	res, err := p.HandleParsing(context.Background(), testJob(jobs.StageValueExtraction, "doc-1"), jobs.ParsingPayload{
		ExtractedText: "scan",
		DocumentType:  "LAB_REPORT",
		Options:       jobs.ParsingOptions{StructuredOutput: true, Validate: true},
	})
	require.NoError(t, err)
	require.Len(t, res.Values, 1)
	assert.Equal(t, "Ferritin", res.Values[0].TestName)
	assert.Equal(t, 1, res.Rejected)
}

func TestParsingErrors(t *testing.T) {
	e := newEnv(t)
	p, err := NewParsingProcessor(testutil.Logger(t), e.docs, e.results, stubParser{err: errors.New("timeout")})
	require.NoError(t, err)
	job := testJob(jobs.StageDataParsing, "doc-1")

	_, err = p.HandleParsing(context.Background(), job, jobs.ParsingPayload{ExtractedText: " ", DocumentType: "LAB_REPORT"})
	requireProcessing(t, err, false)

	_, err = p.HandleParsing(context.Background(), job, jobs.ParsingPayload{
		ExtractedText: "x", DocumentType: "LAB_REPORT", Options: jobs.ParsingOptions{StructuredOutput: true},
	})
	requireProcessing(t, err, true)
}

func TestLLMParserDedupes(t *testing.T) {
	gen := &stubJSON{fill: func(out any) {
		o := out.(*struct {
			Values []jobs.LabValue `json:"values"`
		})
		o.Values = []jobs.LabValue{
			{TestName: " LDL ", Value: "130"},
			{TestName: "ldl", Value: "120"},
		}
	}}
	vals, err := NewLLMParser(gen).ParseValues(context.Background(), "LDL 130", jobs.ParsingPayload{DocumentType: "LIPID_PANEL", LabType: "Quest"})
	require.NoError(t, err)
	require.Len(t, vals, 1)
	assert.Equal(t, "LDL", vals[0].TestName)
	assert.Contains(t, gen.user, "Lab type: Quest")
}

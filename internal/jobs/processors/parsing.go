package processors

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"gorm.io/datatypes"

	docrepo "github.com/yungbote/labflow-backend/internal/data/repos/documents"
	"github.com/yungbote/labflow-backend/internal/domain/documents"
	"github.com/yungbote/labflow-backend/internal/domain/jobs"
	"github.com/yungbote/labflow-backend/internal/pkg/dbctx"
	"github.com/yungbote/labflow-backend/internal/platform/logger"
)

var (
	valueRe = regexp.MustCompile(`(?:^|[\s:])([<>]?\d+(?:\.\d+)?)(?:\s|$)`)
	rangeRe = regexp.MustCompile(`\d+(?:\.\d+)?\s*-\s*\d+(?:\.\d+)?|[<>]=?\s*\d+(?:\.\d+)?`)
)

var skipWords = []string{"page", "date", "age", "phone", "fax", "dob", "id", "mrn"}

// RegexParser reads "name value unit range" rows line by line.
type RegexParser struct{}

func (RegexParser) ParseValues(_ context.Context, text string, _ jobs.ParsingPayload) ([]jobs.LabValue, error) {
	var out []jobs.LabValue
	for _, line := range strings.Split(text, "\n") {
		if v, ok := parseLine(line); ok {
			out = append(out, v)
		}
	}
	return dedupeValues(out), nil
}

func parseLine(line string) (jobs.LabValue, bool) {
	line = strings.TrimSpace(line)
	loc := valueRe.FindStringSubmatchIndex(line)
	if loc == nil {
		return jobs.LabValue{}, false
	}
	name := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(line[:loc[2]]), ":"))
	if !hasLetter(name) || skipName(name) {
		return jobs.LabValue{}, false
	}
	v := jobs.LabValue{TestName: name, Value: line[loc[2]:loc[3]]}

	rest := line[loc[3]:]
	if r := rangeRe.FindString(rest); r != "" {
		v.ReferenceRange = strings.ReplaceAll(r, " ", "")
		rest = strings.Replace(rest, r, " ", 1)
	}
	for _, f := range strings.Fields(rest) {
		switch strings.ToUpper(f) {
		case "H", "L", "HIGH", "LOW", "*":
			continue
		}
		if hasLetter(f) || strings.ContainsAny(f, "%/") {
			v.Unit = f
		}
		break
	}
	return v, true
}

// skipName drops header rows such as "Page 1 of 2" or "DOB 1980".
func skipName(name string) bool {
	words := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	for _, w := range words {
		for _, p := range skipWords {
			if w == p {
				return true
			}
		}
	}
	return false
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

// dedupeValues keeps the first value reported for each test name.
func dedupeValues(in []jobs.LabValue) []jobs.LabValue {
	seen := make(map[string]bool, len(in))
	out := make([]jobs.LabValue, 0, len(in))
	for _, v := range in {
		v.TestName = strings.TrimSpace(v.TestName)
		v.Value = strings.TrimSpace(v.Value)
		key := strings.ToLower(v.TestName)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return out
}

type ParsingProcessor struct {
	log      *logger.Logger
	docs     docrepo.DocumentRepo
	results  docrepo.ResultsRepo
	regex    ValueParser
	llm      ValueParser
	validate *validator.Validate
}

// NewParsingProcessor parses with the regex parser unless a job asks for
// structured output and llm is set.
func NewParsingProcessor(log *logger.Logger, docs docrepo.DocumentRepo, results docrepo.ResultsRepo, llm ValueParser) (*ParsingProcessor, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if docs == nil || results == nil {
		return nil, fmt.Errorf("document and results repos required")
	}
	return &ParsingProcessor{
		log:      log.With("processor", "Parsing"),
		docs:     docs,
		results:  results,
		regex:    RegexParser{},
		llm:      llm,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

func (p *ParsingProcessor) HandleParsing(ctx context.Context, job jobs.Job, pl jobs.ParsingPayload) (*jobs.ParsingResult, error) {
	meta := map[string]any{"document_type": pl.DocumentType}
	if strings.TrimSpace(pl.ExtractedText) == "" {
		return nil, classify(job, fmt.Errorf("%w: empty extracted text", ErrInvalidInput), meta)
	}
	parser := p.regex
	if pl.Options.StructuredOutput && p.llm != nil {
		parser = p.llm
		meta["parser"] = "llm"
	}
	values, err := parser.ParseValues(ctx, pl.ExtractedText, pl)
	if err != nil {
		return nil, classify(job, fmt.Errorf("parse values: %w", err), meta)
	}

	rejected := 0
	if pl.Options.Validate {
		kept := values[:0]
		for _, v := range values {
			if err := p.validate.Struct(v); err != nil {
				rejected++
				continue
			}
			kept = append(kept, v)
		}
		values = kept
	}

	raw, err := json.Marshal(values)
	if err != nil {
		return nil, classify(job, err, meta)
	}
	dbc := dbctx.Context{Ctx: ctx}
	if err := p.results.UpsertLabValues(dbc, &documents.LabValueSet{
		DocumentID:   job.DocumentID,
		Stage:        string(job.Stage),
		JobID:        job.ID,
		DocumentType: pl.DocumentType,
		Values:       datatypes.JSON(raw),
	}); err != nil {
		return nil, classify(job, fmt.Errorf("store lab values: %w", err), meta)
	}
	if _, err := p.docs.UpdateFields(dbc, job.DocumentID, map[string]interface{}{
		"status": documents.StatusParsed,
	}); err != nil {
		return nil, classify(job, fmt.Errorf("update document: %w", err), meta)
	}

	p.log.Info("Lab values parsed", "job_id", job.ID, "document_id", job.DocumentID, "values", len(values), "rejected", rejected)
	return &jobs.ParsingResult{DocumentType: pl.DocumentType, Values: values, Rejected: rejected}, nil
}

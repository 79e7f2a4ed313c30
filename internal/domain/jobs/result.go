package jobs

// Stage results, stored as the record's result on completion.

type OCRResult struct {
	ExtractedText  string      `json:"extracted_text"`
	Confidence     float64     `json:"confidence"`
	Provider       OCRProvider `json:"provider"`
	ProcessingTime int64       `json:"processing_time_ms"`
	TextLength     int         `json:"text_length"`
	WordsExtracted int         `json:"words_extracted"`
}

type ParsingResult struct {
	DocumentType string     `json:"document_type"`
	Values       []LabValue `json:"values"`
	Rejected     int        `json:"rejected,omitempty"`
}

type Finding struct {
	TestName     string  `json:"test_name,omitempty"`
	Category     string  `json:"category"`
	Description  string  `json:"description"`
	Significance string  `json:"significance,omitempty"`
	Confidence   float64 `json:"confidence,omitempty"`
}

type Pattern struct {
	Type        string  `json:"type"`
	Description string  `json:"description"`
	Severity    string  `json:"severity,omitempty"`
	Confidence  float64 `json:"confidence"`
}

type Recommendation struct {
	Type        string `json:"type"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type Trend struct {
	TestName      string  `json:"test_name"`
	Direction     string  `json:"direction"`
	PercentChange float64 `json:"percent_change"`
}

type AnalysisResult struct {
	AnalysisType    AnalysisType     `json:"analysis_type"`
	Patterns        []Pattern        `json:"patterns"`
	Findings        []Finding        `json:"findings"`
	CriticalValues  []Finding        `json:"critical_values,omitempty"`
	Recommendations []Recommendation `json:"recommendations,omitempty"`
	Trends          []Trend          `json:"trends,omitempty"`
	Confidence      float64          `json:"confidence"`
	ValuesAnalyzed  int              `json:"values_analyzed"`
}

type ReportResult struct {
	Title    string       `json:"title"`
	Format   ReportFormat `json:"format"`
	Body     string       `json:"body"`
	Sections int          `json:"sections"`
	Analyses int          `json:"analyses"`
}

type NotificationResult struct {
	Channel   NotificationChannel `json:"channel"`
	MessageID string              `json:"message_id,omitempty"`
}

type CleanupResult struct {
	Target       CleanupTarget `json:"target"`
	CleanedCount int64         `json:"cleaned_count"`
}

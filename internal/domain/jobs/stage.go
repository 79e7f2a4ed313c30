package jobs

// Stage is the processing phase a job belongs to.
type Stage string

const (
	StageOCRExtraction      Stage = "OCR_EXTRACTION"
	StageDataParsing        Stage = "DATA_PARSING"
	StageValueExtraction    Stage = "VALUE_EXTRACTION"
	StageFunctionalAnalysis Stage = "FUNCTIONAL_ANALYSIS"
	StagePatternAnalysis    Stage = "PATTERN_ANALYSIS"
	StageTrendAnalysis      Stage = "TREND_ANALYSIS"
	StageReportGeneration   Stage = "REPORT_GENERATION"
	StageNotification       Stage = "NOTIFICATION"
	StageCleanupFiles       Stage = "CLEANUP_FILES"
	StageAuditLogCleanup    Stage = "AUDIT_LOG_CLEANUP"
)

var allStages = []Stage{
	StageOCRExtraction,
	StageDataParsing,
	StageValueExtraction,
	StageFunctionalAnalysis,
	StagePatternAnalysis,
	StageTrendAnalysis,
	StageReportGeneration,
	StageNotification,
	StageCleanupFiles,
	StageAuditLogCleanup,
}

func AllStages() []Stage {
	out := make([]Stage, len(allStages))
	copy(out, allStages)
	return out
}

func (s Stage) Valid() bool {
	_, ok := stageQueue[s]
	return ok
}

// Queue returns the queue that carries jobs of this stage.
func (s Stage) Queue() (QueueName, bool) {
	q, ok := stageQueue[s]
	return q, ok
}

// PayloadKind returns the payload variant jobs of this stage must carry.
func (s Stage) PayloadKind() PayloadKind {
	switch s {
	case StageOCRExtraction:
		return KindOCR
	case StageDataParsing, StageValueExtraction:
		return KindParsing
	case StageFunctionalAnalysis, StagePatternAnalysis, StageTrendAnalysis:
		return KindAnalysis
	case StageReportGeneration:
		return KindReport
	case StageNotification:
		return KindNotification
	case StageCleanupFiles, StageAuditLogCleanup:
		return KindCleanup
	default:
		return ""
	}
}

// Status is the job record lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

type QueueName string

const (
	QueueOCRExtraction      QueueName = "ocr-extraction"
	QueueDataParsing        QueueName = "data-parsing"
	QueueDocumentProcessing QueueName = "document-processing"
	QueueAnalysis           QueueName = "analysis"
	QueueNotifications      QueueName = "notifications"
	QueueCleanup            QueueName = "cleanup"
)

var allQueues = []QueueName{
	QueueOCRExtraction,
	QueueDataParsing,
	QueueDocumentProcessing,
	QueueAnalysis,
	QueueNotifications,
	QueueCleanup,
}

var stageQueue = map[Stage]QueueName{
	StageOCRExtraction:      QueueOCRExtraction,
	StageDataParsing:        QueueDataParsing,
	StageValueExtraction:    QueueDataParsing,
	StageReportGeneration:   QueueDocumentProcessing,
	StageFunctionalAnalysis: QueueAnalysis,
	StagePatternAnalysis:    QueueAnalysis,
	StageTrendAnalysis:      QueueAnalysis,
	StageNotification:       QueueNotifications,
	StageCleanupFiles:       QueueCleanup,
	StageAuditLogCleanup:    QueueCleanup,
}

func AllQueues() []QueueName {
	out := make([]QueueName, len(allQueues))
	copy(out, allQueues)
	return out
}

func (q QueueName) Valid() bool {
	for _, known := range allQueues {
		if q == known {
			return true
		}
	}
	return false
}

// Stages lists the stages delivered through q.
func (q QueueName) Stages() []Stage {
	var out []Stage
	for _, s := range allStages {
		if stageQueue[s] == q {
			out = append(out, s)
		}
	}
	return out
}

// Priority levels. Lower is more urgent.
const (
	PriorityCritical = 1
	PriorityHigh     = 2
	PriorityNormal   = 5
	PriorityLow      = 8
	PriorityBatch    = 10
)

const (
	UrgencyStat     = "STAT"
	UrgencyCritical = "CRITICAL"
	UrgencyUrgent   = "URGENT"
)

// Document types that always run at high priority or better.
var criticalDocumentTypes = map[string]bool{
	"PATHOLOGY_REPORT": true,
	"CRITICAL_LAB":     true,
}

func IsCriticalDocumentType(docType string) bool { return criticalDocumentTypes[docType] }

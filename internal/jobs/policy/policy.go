package policy

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/labflow-backend/internal/domain/jobs"
)

// BuildJobID returns {stage}_{documentID}_{unixMillis}_{random}.
func BuildJobID(stage jobs.Stage, documentID string) string {
	return buildJobID(stage, documentID, time.Now())
}

func buildJobID(stage jobs.Stage, documentID string, at time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("%s_%s_%d_%s", strings.ToLower(string(stage)), documentID, at.UnixMilli(), suffix)
}

// ComputePriority applies the override rules in order. Each rule can only
// make a job more urgent than the rules after it would.
func ComputePriority(documentType string, base int, urgencyFlags []string) int {
	clamped := clamp(base, jobs.PriorityCritical, jobs.PriorityBatch)

	flags := make(map[string]bool, len(urgencyFlags))
	for _, f := range urgencyFlags {
		flags[strings.ToUpper(strings.TrimSpace(f))] = true
	}

	if flags[jobs.UrgencyStat] || flags[jobs.UrgencyCritical] {
		return jobs.PriorityCritical
	}
	if flags[jobs.UrgencyUrgent] {
		return min(clamped, jobs.PriorityHigh)
	}
	if jobs.IsCriticalDocumentType(strings.ToUpper(strings.TrimSpace(documentType))) {
		return min(clamped, jobs.PriorityHigh)
	}
	return clamped
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

type durationModel struct {
	floor float64 // seconds
	rate  float64 // seconds per MB
}

var durationModels = map[jobs.Stage]durationModel{
	jobs.StageOCRExtraction:      {floor: 30, rate: 10},
	jobs.StageDataParsing:        {floor: 15, rate: 5},
	jobs.StageValueExtraction:    {floor: 20, rate: 8},
	jobs.StageFunctionalAnalysis: {floor: 45, rate: 15},
	jobs.StagePatternAnalysis:    {floor: 60, rate: 20},
	jobs.StageTrendAnalysis:      {floor: 30, rate: 12},
	jobs.StageReportGeneration:   {floor: 120},
	jobs.StageNotification:       {floor: 5},
	jobs.StageCleanupFiles:       {floor: 60},
	jobs.StageAuditLogCleanup:    {floor: 60},
}

const defaultFloorSeconds = 60

// EstimateDuration returns max(floor, rate*sizeMB) in whole seconds.
func EstimateDuration(stage jobs.Stage, fileSizeMB float64) int {
	m, ok := durationModels[stage]
	if !ok {
		return defaultFloorSeconds
	}
	if fileSizeMB < 0 || math.IsNaN(fileSizeMB) {
		fileSizeMB = 0
	}
	return int(math.Ceil(math.Max(m.floor, m.rate*fileSizeMB)))
}

// SizeMB converts a byte count to MB. Unknown sizes (<= 0) count as 1 MB.
func SizeMB(sizeBytes int64) float64 {
	if sizeBytes <= 0 {
		return 1
	}
	return float64(sizeBytes) / (1024 * 1024)
}

// Backoff is exponential with an optional +/- jitter fraction.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// Delay returns the wait before the next attempt after `attempts` attempts
// have been consumed.
func (b Backoff) Delay(attempts int, rnd func() float64) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	base := b.Base
	if base <= 0 {
		base = 5 * time.Second
	}
	d := float64(base) * math.Pow(2, float64(attempts-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 && rnd != nil {
		d += d * b.Jitter * (2*rnd() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

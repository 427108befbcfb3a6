package kafka

import (
	"strings"

	"github.com/joeott/legal-doc-processor-sub006/internal/domain"
)

const (
	// TopicDLQ receives malformed or permanently undeliverable stage tasks.
	TopicDLQ = "docs.dlq"
	// TopicBatchEvents receives batch lifecycle events (completion callbacks).
	TopicBatchEvents = "docs.batch.events"
)

// StageTopic returns the queue name for one stage at one priority tier.
// Each stage has its own set of three topics so workers can be scaled and
// weighted per stage.
func StageTopic(stage domain.Stage, prio domain.Priority) string {
	return "docs.stage." + strings.ToLower(string(stage)) + "." + string(prio)
}

// StageGroup returns the consumer group for workers serving a stage.
func StageGroup(stage domain.Stage) string {
	return "worker-" + strings.ToLower(string(stage)) + "-group"
}

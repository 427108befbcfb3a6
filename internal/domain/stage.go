package domain

// Stage identifies one step of the document pipeline.
type Stage string

const (
	StageCreated              Stage = "CREATED"
	StageValidating           Stage = "VALIDATING"
	StageOCRSubmitted         Stage = "OCR_SUBMITTED"
	StageOCRPolling           Stage = "OCR_POLLING"
	StageChunking             Stage = "CHUNKING"
	StageEntityExtraction     Stage = "ENTITY_EXTRACTION"
	StageEntityResolution     Stage = "ENTITY_RESOLUTION"
	StageRelationshipBuilding Stage = "RELATIONSHIP_BUILDING"
	StageFinalizing           Stage = "FINALIZING"
	StageCompleted            Stage = "COMPLETED"
	StageFailed               Stage = "FAILED"
	StageCancelled            Stage = "CANCELLED"
)

// stageOrder is the fixed forward path. FAILED and CANCELLED sit outside it
// and are reachable from any non-terminal stage.
var stageOrder = []Stage{
	StageCreated,
	StageValidating,
	StageOCRSubmitted,
	StageOCRPolling,
	StageChunking,
	StageEntityExtraction,
	StageEntityResolution,
	StageRelationshipBuilding,
	StageFinalizing,
	StageCompleted,
}

var stageIndex = func() map[Stage]int {
	m := make(map[Stage]int, len(stageOrder))
	for i, s := range stageOrder {
		m[s] = i
	}
	return m
}()

// IsTerminal returns true if no further state transitions are possible.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCancelled
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	if s == StageFailed || s == StageCancelled {
		return true
	}
	_, ok := stageIndex[s]
	return ok
}

// Next returns the stage that follows s on the forward path.
// ok is false for terminal stages and for FAILED/CANCELLED.
func (s Stage) Next() (next Stage, ok bool) {
	i, found := stageIndex[s]
	if !found || i == len(stageOrder)-1 {
		return "", false
	}
	return stageOrder[i+1], true
}

// CanAdvanceTo reports whether moving from s to target respects the fixed
// stage order. Only single forward steps are legal, plus a jump to
// FAILED or CANCELLED from any non-terminal stage.
func (s Stage) CanAdvanceTo(target Stage) bool {
	if s.IsTerminal() {
		return false
	}
	if target == StageFailed || target == StageCancelled {
		return true
	}
	next, ok := s.Next()
	return ok && next == target
}

// Stages returns the forward path in order, excluding FAILED/CANCELLED.
func Stages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// StageStatus is the status of a single StageRecord.
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageProcessing StageStatus = "processing"
	StageDone       StageStatus = "completed"
	StageErrored    StageStatus = "failed"
)

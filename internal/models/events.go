package models

import "encoding/json"

// EventType names a real-time channel message.
type EventType string

// Outbound events.
const (
	EventTranscriptReleased EventType = "transcriptReleased"
	EventProposalsUpdated   EventType = "proposalsUpdated"
	EventStateChanged       EventType = "stateChanged"
	EventError              EventType = "error"
	EventDiagnostic         EventType = "diagnostic"
	EventSegmentAck         EventType = "segmentAck"
	EventDecisionAck        EventType = "decisionAck"
)

// Inbound events.
const (
	EventSegmentSubmitted EventType = "segmentSubmitted"
	EventSessionStopped   EventType = "sessionStopped"
	EventProposalDecision EventType = "proposalDecision"
)

// Event is the outbound envelope broadcast to session listeners.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Timestamp int64     `json:"timestamp"`
	Data      any       `json:"data"`
}

// Envelope is the inbound wire frame; Data is decoded per Type.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// TranscriptReleased carries one in-order fragment.
type TranscriptReleased struct {
	SequenceID int64  `json:"sequenceId"`
	Text       string `json:"text"`
}

// ProposalsUpdated carries the current proposal list.
type ProposalsUpdated struct {
	Proposals []Proposal `json:"proposals"`
}

// StateChanged carries a full snapshot.
type StateChanged struct {
	Snapshot SessionState `json:"snapshot"`
}

// ErrorPayload is a user-visible failure, keyed by sequence ID when known.
type ErrorPayload struct {
	Message    string `json:"message"`
	SequenceID *int64 `json:"sequenceId,omitempty"`
}

// DiagnosticKind classifies an observability report.
type DiagnosticKind string

const (
	DiagnosticSegmentDiscarded     DiagnosticKind = "segment_discarded"
	DiagnosticSegmentDropped       DiagnosticKind = "segment_dropped"
	DiagnosticDispatchTimeout      DiagnosticKind = "dispatch_timeout"
	DiagnosticDispatchFailure      DiagnosticKind = "dispatch_failure"
	DiagnosticSegmentLost          DiagnosticKind = "segment_lost"
	DiagnosticStaleTranscript      DiagnosticKind = "stale_transcript"
	DiagnosticDuplicateSuppressed  DiagnosticKind = "duplicate_suppressed"
	DiagnosticCandidateRejected    DiagnosticKind = "candidate_rejected"
	DiagnosticUnderstandingFailure DiagnosticKind = "understanding_failure"
	DiagnosticDeviceError          DiagnosticKind = "device_error"
)

// Diagnostic records a discarded, suppressed or lost item with its reason.
// A lost range runs from SequenceID through ThroughSequenceID. Items derived
// from a batch of fragments carry the batch's IDs in SequenceIDs, with
// SequenceID set to the first.
type Diagnostic struct {
	Kind              DiagnosticKind `json:"kind"`
	Reason            string         `json:"reason"`
	SequenceID        *int64         `json:"sequenceId,omitempty"`
	ThroughSequenceID *int64         `json:"throughSequenceId,omitempty"`
	SequenceIDs       []int64        `json:"sequenceIds,omitempty"`
	ProposalID        string         `json:"proposalId,omitempty"`
}

// SegmentSubmitted is the inbound audio segment. Audio is base64 on the wire.
type SegmentSubmitted struct {
	SequenceID int64  `json:"sequenceId"`
	Audio      []byte `json:"audio"`
	Timestamp  int64  `json:"timestamp"`
}

// SegmentAck answers a SegmentSubmitted once dispatch resolves or fails.
type SegmentAck struct {
	SequenceID int64  `json:"sequenceId"`
	OK         bool   `json:"ok"`
	Text       string `json:"text,omitempty"`
	Error      string `json:"error,omitempty"`
}

// DecisionAck answers a ProposalDecision.
type DecisionAck struct {
	ID       string   `json:"id"`
	Decision Decision `json:"decision"`
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
}

// SeqPtr returns a pointer to a copy of id.
func SeqPtr(id int64) *int64 {
	return &id
}

package models

// Role identifies the author of a message window entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role/text pair in the message window.
type Message struct {
	Role       Role   `json:"role"`
	Text       string `json:"text"`
	SequenceID *int64 `json:"sequenceId,omitempty"`
}

// MessageWindow separates utterances already turned into proposals from
// fragments still waiting for a pass.
type MessageWindow struct {
	Processed []Message `json:"processed"`
	New       []Message `json:"new"`
}

// SessionState is the canonical per-session state. Values handed out by the
// synchronizer are deep copies.
type SessionState struct {
	IsProcessing  bool          `json:"isProcessing"`
	Proposals     []Proposal    `json:"proposals"`
	MessageWindow MessageWindow `json:"messageWindow"`
	LastError     string        `json:"lastError,omitempty"`
}

// Clone returns a deep copy of s.
func (s SessionState) Clone() SessionState {
	out := SessionState{
		IsProcessing: s.IsProcessing,
		LastError:    s.LastError,
		Proposals:    append([]Proposal(nil), s.Proposals...),
		MessageWindow: MessageWindow{
			Processed: cloneMessages(s.MessageWindow.Processed),
			New:       cloneMessages(s.MessageWindow.New),
		},
	}
	if out.Proposals == nil {
		out.Proposals = []Proposal{}
	}
	return out
}

func cloneMessages(in []Message) []Message {
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = m
		if m.SequenceID != nil {
			id := *m.SequenceID
			out[i].SequenceID = &id
		}
	}
	return out
}

// FindProposal returns the index of the proposal with id, or -1.
func (s SessionState) FindProposal(id string) int {
	for i, p := range s.Proposals {
		if p.ID == id {
			return i
		}
	}
	return -1
}

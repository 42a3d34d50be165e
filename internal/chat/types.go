// Package chat implements the client-side session core: timeline
// merging, the proposal negotiation state machine, typing and
// read-receipt reconciliation, and the session open/close lifecycle.
package chat

// MessageType marks a timeline entry as plain text or as one of the
// proposal negotiation states.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeProposed MessageType = "proposed"
	MessageTypeAccepted MessageType = "accepted"
	MessageTypeRejected MessageType = "rejected"
	MessageTypeModified MessageType = "modified"
)

// Status represents the lifecycle state of a chat.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// EndType records how an ended chat ended.
type EndType string

const (
	EndTypeNone          EndType = ""
	EndTypeAgreedClosure EndType = "agreed_closure"
	EndTypeUserExit      EndType = "user_exit"
)

// Role distinguishes participants in moderation review.
type Role string

const (
	RoleReporter Role = "reporter"
	RoleReported Role = "reported"
)

// Mode selects how a session is opened.
type Mode string

const (
	ModeLive       Mode = "live"
	ModeHistorical Mode = "historical"
)

type User struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type Participant struct {
	User User `json:"user"`
	Role Role `json:"role"`
}

// Message is one timeline entry. Timestamps are unix milliseconds.
// Entries carrying a ProposalID participate in negotiation chains; for
// those, Type tracks the proposal state and transitions in place.
type Message struct {
	ID        string      `json:"id"`
	ChatID    string      `json:"chatId"`
	Content   string      `json:"content"`
	SenderID  string      `json:"senderId"`
	Timestamp int64       `json:"timestamp"`
	Type      MessageType `json:"type"`

	ProposalID string `json:"proposalId,omitempty"`
	IsClosure  bool   `json:"isClosure,omitempty"`
	ParentID   string `json:"parentId,omitempty"`
}

// IsProposal reports whether the entry participates in a negotiation
// chain.
func (m Message) IsProposal() bool {
	return m.ProposalID != ""
}

// Terminal reports whether the proposal can no longer be acted on.
func (m Message) Terminal() bool {
	return m.Type == MessageTypeAccepted || m.Type == MessageTypeRejected || m.Type == MessageTypeModified
}

// Info is the session-level metadata a renderer needs.
type Info struct {
	ChatID       string
	Topic        string
	OtherUser    User
	Status       Status
	EndType      EndType
	Participants []Participant
}

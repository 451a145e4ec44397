package task

import (
	"time"

	"github.com/Strob0t/omnitask/internal/domain/ledger"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one immutable turn of a task's conversation.
type Message struct {
	ID           string    `json:"id"`
	TaskID       string    `json:"task_id"`
	Role         Role      `json:"role"`
	Content      string    `json:"content"`
	FileURL      string    `json:"file_url,omitempty"`
	FileName     string    `json:"file_name,omitempty"`
	FileType     string    `json:"file_type,omitempty"`
	TokensUsed   int       `json:"tokens_used"`
	Cost         float64   `json:"cost"`
	ProviderUsed string    `json:"provider_used,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// PostMessageRequest is a user turn submitted to a task's chat.
type PostMessageRequest struct {
	Content  string `json:"content"`
	FileURL  string `json:"file_url,omitempty"`
	FileName string `json:"file_name,omitempty"`
	FileType string `json:"file_type,omitempty"`
}

// Transition is the unit committed atomically by the store: the task's next
// state, the messages produced alongside it, and the balance movements it
// triggers. The store applies it only if the persisted task is still in From
// at the same version.
//
// Cost and Tokens are the actual usage of AI calls made since the last commit.
// The store adds them to the persisted totals and debits whatever part of the
// new total exceeds the task's hold, so FinalCost and TokensUsed in Task are
// overwritten with the stored values on success.
type Transition struct {
	Task     *Task
	From     Status
	Messages []Message
	Entries  []ledger.Entry
	Cost     float64
	Tokens   int
}

// AddUsage records the usage of one AI call on the transition.
func (tr *Transition) AddUsage(costUSD float64, tokens int) {
	if costUSD > 0 {
		tr.Cost += costUSD
	}
	if tokens > 0 {
		tr.Tokens += tokens
	}
}

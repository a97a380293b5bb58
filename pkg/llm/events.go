package llm

// EventKind discriminates demultiplexed stream events.
type EventKind string

const (
	EventThinkOpen   EventKind = "think_open"
	EventThinkText   EventKind = "think_text"
	EventThinkClose  EventKind = "think_close"
	EventAnswerText  EventKind = "answer_text"
	EventSpecialOpen EventKind = "special_open"
	EventSpecialText EventKind = "special_text"
	EventWarning     EventKind = "warning"
	EventReference   EventKind = "reference"
)

// BlockKind names the fenced payload vocabulary recognized inside answers.
type BlockKind string

const (
	BlockCSV     BlockKind = "csv"
	BlockPPT     BlockKind = "ppt"
	BlockJSON    BlockKind = "json"
	BlockMermaid BlockKind = "mermaid"
)

// StreamEvent is one typed event reconstructed from the model's raw chunk
// stream. Transient: consumed immediately, never persisted verbatim.
type StreamEvent struct {
	Kind    EventKind
	Content string
	Block   BlockKind // set for special_open / special_text
}

// Package prompts builds the system and user messages for each turn mode.
package prompts

import (
	"strings"

	"github.com/storyforge-ai/story-engine/pkg/models"
	"github.com/storyforge-ai/story-engine/pkg/retrieval"
)

const storyFieldContract = `Each story is a JSON object with exactly these keys:
"Summary", "Background", "Description", "Acceptance Criteria", "Story Points",
"Priority", "Dependency", "Performance", "Solution", "UI UX Design", "UUID",
"jira_is_new".
"Story Points" is an integer. "Priority" is one of High, Medium, Low.
For a brand new story set "jira_is_new" to true and leave "UUID" empty.
When revising an existing story keep its "UUID" unchanged and set
"jira_is_new" to false.`

// CreateSystem instructs the model to draft an initial story set from the
// user's first requirement statement.
const CreateSystem = `You are a senior requirements analyst. Read the user's
requirement and break it into user stories. Reason step by step first. Start
your answer immediately with one fenced block, then a short explanation for
the user:

` + "```" + `json
[ ...stories... ]
` + "```" + `

` + storyFieldContract

// ContinueSystem instructs the model to refine the existing story set in a
// follow-up turn. The current stories are provided in the user message.
const ContinueSystem = `You are a senior requirements analyst continuing an
ongoing refinement conversation. The user message includes the current story
set as JSON. Apply the user's feedback: revise stories that change, keep
untouched stories as they are, and add new ones when asked. Start your answer
immediately with one fenced block, then a short explanation:

` + "```" + `json
[ ...stories... ]
` + "```" + `

Return the complete story set, not only the changed entries.
` + storyFieldContract

// EditSystem instructs the model to modify exactly one story card.
const EditSystem = `You are a senior requirements analyst editing a single
user story. The user message includes the story as JSON. Apply the requested
change to that story only. Start your answer immediately with one fenced
block containing a JSON array with exactly that one story, then a short
explanation:

` + "```" + `json
[ ...story... ]
` + "```" + `

Keep the story's "UUID" unchanged and set "jira_is_new" to false.
` + storyFieldContract

// ChooseSystem picks the system prompt for a turn.
func ChooseSystem(round int, mode models.TurnMode) string {
	if mode == models.TurnModeRecordEdit {
		return EditSystem
	}
	if round <= 1 {
		return CreateSystem
	}
	return ContinueSystem
}

// BuildUserMessage assembles the user message from the raw input plus
// optional retrieved knowledge and the current story context.
func BuildUserMessage(userInput string, snippets []retrieval.Snippet, storiesJSON string) string {
	var b strings.Builder
	b.WriteString(userInput)

	if len(snippets) > 0 {
		b.WriteString("\n\nRelevant knowledge:\n")
		for _, s := range snippets {
			b.WriteString("- ")
			b.WriteString(strings.TrimSpace(s.Text))
			b.WriteString("\n")
		}
	}
	if storiesJSON != "" {
		b.WriteString("\n\nCurrent stories:\n")
		b.WriteString(storiesJSON)
	}
	return b.String()
}

// SummaryPrompt asks for a one-line conversation title.
func SummaryPrompt(userInput string) string {
	return "Summarize the following requirement as a conversation title of at most ten words. Reply with the title only.\n\n" + userInput
}

// BatchBackgroundPrompt asks for a shared background paragraph covering a
// freshly generated story batch.
func BatchBackgroundPrompt(summaries []string) string {
	return "Write one short paragraph of shared project background for the following user stories. Reply with the paragraph only.\n\n- " +
		strings.Join(summaries, "\n- ")
}

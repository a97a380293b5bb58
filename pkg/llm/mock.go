package llm

import (
	"context"
	"encoding/json"
	"sync"
)

// MockGateway replays a scripted envelope stream through the real
// demultiplexer, so tests exercise the same event path production uses.
// Script entries are raw envelope records (without the trailing blank line);
// Err, when set, is returned after the scripted events are delivered.
type MockGateway struct {
	mu sync.Mutex

	Script       []string
	Err          error
	CompleteText string
	CompleteErr  error

	// Calls records the messages passed to each StreamChat invocation.
	Calls [][]Message
	// CompleteCalls records prompts passed to Complete.
	CompleteCalls []string
}

var _ ModelGateway = (*MockGateway)(nil)

// StreamChat replays the script as envelope records.
func (m *MockGateway) StreamChat(ctx context.Context, sessionID string, messages []Message, eventChan chan<- StreamEvent) (*StreamResult, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, messages)
	script := m.Script
	scriptErr := m.Err
	m.mu.Unlock()

	demux := NewDemultiplexer()
	result := &StreamResult{}

	forward := func(evs []StreamEvent) error {
		for _, ev := range evs {
			switch ev.Kind {
			case EventThinkText:
				result.Think += ev.Content
			case EventAnswerText:
				result.Answer += ev.Content
			}
			if eventChan != nil {
				select {
				case eventChan <- ev:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		return nil
	}

	for _, record := range script {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := forward(demux.Feed([]byte(record + "\n\n"))); err != nil {
			return nil, err
		}
	}
	if err := forward(demux.Finish()); err != nil {
		return nil, err
	}
	if scriptErr != nil {
		return nil, scriptErr
	}

	result.Block, result.BlockPayload = demux.Block()
	return result, nil
}

// Complete returns the scripted completion text.
func (m *MockGateway) Complete(ctx context.Context, sessionID string, prompt string) (string, error) {
	m.mu.Lock()
	m.CompleteCalls = append(m.CompleteCalls, prompt)
	m.mu.Unlock()
	if m.CompleteErr != nil {
		return "", m.CompleteErr
	}
	return m.CompleteText, nil
}

// ScriptFromAnswer builds envelope records that stream the given think and
// answer text in small chunks, for tests that want realistic chunking. Values
// are JSON-wrapped so chunks containing newlines survive the record framing.
func ScriptFromAnswer(think, answer string) []string {
	var script []string
	for _, part := range chunked(think, 16) {
		script = append(script, "think:"+jsonRecord("think", part))
	}
	for _, part := range chunked(answer, 16) {
		script = append(script, "data:"+jsonRecord("data", part))
	}
	return script
}

func jsonRecord(key, value string) string {
	raw, _ := json.Marshal(map[string]string{key: value})
	return string(raw)
}

func chunked(s string, size int) []string {
	var out []string
	for len(s) > size {
		out = append(out, s[:size])
		s = s[size:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

package llm

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/storyforge-ai/story-engine/pkg/jsonutil"
)

// Reasoning-text markers used in the flattened transcript. Fence detection
// keys off the close marker so a fenced block inside think text is ignored.
const (
	thinkOpenMarker  = "<think>"
	thinkCloseMarker = "</think>"
)

// fenceOpenPattern matches the start of a special block: think-close marker,
// optional whitespace, triple backtick, one of the known block kinds.
var fenceOpenPattern = regexp.MustCompile("</think>\\s*```\\s*(csv|ppt|json|mermaid)")

// tagger reconstructs the think/answer duality and tags fenced special
// blocks. It is shared by the envelope demultiplexer and the native
// reasoning-stream adapter so downstream consumers see one uniform event
// shape regardless of upstream origin.
type tagger struct {
	transcript strings.Builder // flattened view with think markers inlined
	thinking   bool

	blockSeen    bool // only the first special block per turn is recognized
	inBlock      bool
	block        BlockKind
	blockBuf     strings.Builder
	pendingTicks int // backticks withheld until confirmed (not) a closing fence
}

// thinkText routes reasoning text, synthesizing think_open on transition.
func (t *tagger) thinkText(s string) []StreamEvent {
	var evs []StreamEvent
	if !t.thinking {
		t.thinking = true
		t.transcript.WriteString(thinkOpenMarker)
		evs = append(evs, StreamEvent{Kind: EventThinkOpen})
	}
	t.transcript.WriteString(s)
	return append(evs, StreamEvent{Kind: EventThinkText, Content: s})
}

// answerText routes answer text, synthesizing think_close on transition and
// running fence detection against the transcript suffix.
func (t *tagger) answerText(s string) []StreamEvent {
	var evs []StreamEvent
	if t.thinking {
		t.thinking = false
		t.transcript.WriteString(thinkCloseMarker)
		evs = append(evs, StreamEvent{Kind: EventThinkClose})
	}
	if t.inBlock {
		return append(evs, t.blockText(s)...)
	}

	t.transcript.WriteString(s)
	if !t.blockSeen {
		full := t.transcript.String()
		if loc := fenceOpenPattern.FindStringSubmatchIndex(full); loc != nil {
			t.blockSeen = true
			t.inBlock = true
			t.block = BlockKind(full[loc[2]:loc[3]])

			// The open marker itself is forwarded raw; everything in this
			// chunk past the marker already belongs to the block.
			split := loc[1] - (len(full) - len(s))
			if split < 0 {
				split = 0
			}
			if split > 0 {
				evs = append(evs, StreamEvent{Kind: EventAnswerText, Content: s[:split]})
			}
			evs = append(evs, StreamEvent{Kind: EventSpecialOpen, Block: t.block})
			if rest := s[split:]; rest != "" {
				evs = append(evs, t.blockTextNoTranscript(rest)...)
			}
			return evs
		}
	}
	return append(evs, StreamEvent{Kind: EventAnswerText, Content: s})
}

// blockText handles answer text arriving while inside a special block: it is
// forwarded as answer_text, additionally tagged special_text, and the block
// closes when a triple backtick is observed, even one byte at a time. The
// closing fence characters are stripped from the forwarded text.
func (t *tagger) blockText(s string) []StreamEvent {
	t.transcript.WriteString(s)
	return t.blockTextNoTranscript(s)
}

func (t *tagger) blockTextNoTranscript(s string) []StreamEvent {
	var evs []StreamEvent
	var seg strings.Builder

	flush := func() {
		if seg.Len() == 0 {
			return
		}
		text := seg.String()
		seg.Reset()
		t.blockBuf.WriteString(text)
		evs = append(evs,
			StreamEvent{Kind: EventAnswerText, Content: text},
			StreamEvent{Kind: EventSpecialText, Content: text, Block: t.block})
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '`' {
			t.pendingTicks++
			if t.pendingTicks == 3 {
				t.pendingTicks = 0
				t.inBlock = false
				flush()
				if rest := s[i+1:]; rest != "" {
					evs = append(evs, StreamEvent{Kind: EventAnswerText, Content: rest})
				}
				return evs
			}
			continue
		}
		// Withheld backticks turned out to be literal payload.
		for t.pendingTicks > 0 {
			seg.WriteByte('`')
			t.pendingTicks--
		}
		seg.WriteByte(c)
	}
	flush()
	return evs
}

// finish flushes synthesized state at end of stream.
func (t *tagger) finish() []StreamEvent {
	var evs []StreamEvent
	if t.inBlock && t.pendingTicks > 0 {
		// An unterminated partial fence at EOF was literal payload.
		ticks := strings.Repeat("`", t.pendingTicks)
		t.pendingTicks = 0
		t.blockBuf.WriteString(ticks)
		evs = append(evs,
			StreamEvent{Kind: EventAnswerText, Content: ticks},
			StreamEvent{Kind: EventSpecialText, Content: ticks, Block: t.block})
	}
	if t.thinking {
		t.thinking = false
		t.transcript.WriteString(thinkCloseMarker)
		evs = append(evs, StreamEvent{Kind: EventThinkClose})
	}
	return evs
}

// Demultiplexer reconstructs typed events from the gateway's server-push
// envelope stream. Chunk boundaries are arbitrary; a record is complete when
// two consecutive newlines appear in the accumulation buffer. Single pass,
// no lookahead beyond marker recognition.
type Demultiplexer struct {
	buf bytes.Buffer
	tag tagger
}

// NewDemultiplexer creates an empty demultiplexer.
func NewDemultiplexer() *Demultiplexer {
	return &Demultiplexer{}
}

// Feed appends a raw chunk and returns the events for every envelope record
// completed by it.
func (d *Demultiplexer) Feed(chunk []byte) []StreamEvent {
	d.buf.Write(chunk)
	var evs []StreamEvent
	for {
		raw := d.buf.Bytes()
		idx := bytes.Index(raw, []byte("\n\n"))
		if idx < 0 {
			break
		}
		record := string(raw[:idx])
		d.buf.Next(idx + 2)
		evs = append(evs, d.parseRecord(record)...)
	}
	return evs
}

// Finish signals end of stream, flushing synthesized close events. An
// incomplete trailing record is dropped with a warning.
func (d *Demultiplexer) Finish() []StreamEvent {
	var evs []StreamEvent
	if strings.TrimSpace(d.buf.String()) != "" {
		d.buf.Reset()
		evs = append(evs, StreamEvent{Kind: EventWarning, Content: "dropped incomplete stream record"})
	}
	return append(evs, d.tag.finish()...)
}

// Block returns the kind and raw payload of the special block tagged during
// this stream, if any.
func (d *Demultiplexer) Block() (BlockKind, string) {
	if !d.tag.blockSeen {
		return "", ""
	}
	return d.tag.block, strings.TrimSpace(d.tag.blockBuf.String())
}

// parseRecord maps one complete envelope record to events. Records are
// key: value lines; the first recognized key decides the event kind. A
// record with no recognizable key is dropped with a warning, never an error.
func (d *Demultiplexer) parseRecord(record string) []StreamEvent {
	for _, line := range strings.Split(record, "\n") {
		key, rest, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		switch strings.TrimSpace(key) {
		case "data":
			v, ok := envelopeValue(rest, "data")
			if !ok {
				return []StreamEvent{{Kind: EventWarning, Content: "dropped malformed data record"}}
			}
			if v == "" {
				return nil
			}
			return d.tag.answerText(v)
		case "think":
			v, ok := envelopeValue(rest, "think")
			if !ok {
				return []StreamEvent{{Kind: EventWarning, Content: "dropped malformed think record"}}
			}
			if v == "" {
				return nil
			}
			return d.tag.thinkText(v)
		case "warning":
			v, _ := envelopeValue(rest, "warning")
			return []StreamEvent{{Kind: EventWarning, Content: v}}
		case "referenceInfo":
			return []StreamEvent{{Kind: EventReference, Content: rawEnvelopeValue(rest, "referenceInfo")}}
		}
	}
	if strings.TrimSpace(record) == "" {
		return nil
	}
	return []StreamEvent{{Kind: EventWarning, Content: "dropped malformed stream record"}}
}

// envelopeValue extracts the payload of a keyed record line. The payload is
// either a JSON object carrying the same key or plain text.
func envelopeValue(rest, key string) (string, bool) {
	rest = strings.TrimSpace(rest)
	if !strings.HasPrefix(rest, "{") {
		return rest, true
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(rest), &fields); err != nil {
		return "", false
	}
	return jsonutil.FlexibleString(fields[key]), true
}

// rawEnvelopeValue returns the keyed field without string coercion, for
// payloads that are arrays or objects (reference info).
func rawEnvelopeValue(rest, key string) string {
	rest = strings.TrimSpace(rest)
	if !strings.HasPrefix(rest, "{") {
		return rest
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(rest), &fields); err != nil {
		return rest
	}
	raw := fields[key]
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '"' {
		return jsonutil.FlexibleString(raw)
	}
	return string(raw)
}

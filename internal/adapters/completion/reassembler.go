package completion

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"
)

// FallbackText replaces an empty reassembled answer.
const FallbackText = "Sorry, I couldn't generate a response. Please try again."

// errorTag marks an error frame in the tagged framing.
const errorTag = '3'

// Reassembler turns a newline-framed completion stream into the answer text.
// Chunks may split frames anywhere; the incomplete tail is carried over to
// the next Write.
type Reassembler struct {
	remainder []byte
	text      strings.Builder
	done      bool
	skipped   int
}

func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// Write feeds one chunk of the stream. It never fails.
func (r *Reassembler) Write(chunk []byte) (int, error) {
	n := len(chunk)
	if r.done {
		return n, nil
	}
	r.remainder = append(r.remainder, chunk...)
	for {
		i := bytes.IndexByte(r.remainder, '\n')
		if i < 0 {
			break
		}
		line := r.remainder[:i]
		r.remainder = r.remainder[i+1:]
		r.processLine(line)
		if r.done {
			r.remainder = nil
			break
		}
	}
	return n, nil
}

// Finish flushes the remainder and returns the answer, or FallbackText when
// the stream carried no text.
func (r *Reassembler) Finish() string {
	if !r.done && len(r.remainder) > 0 {
		r.processLine(r.remainder)
	}
	r.remainder = nil
	r.done = true
	out := strings.TrimSpace(r.text.String())
	if out == "" {
		return FallbackText
	}
	return out
}

// Skipped is the number of frames that could not be interpreted.
func (r *Reassembler) Skipped() int { return r.skipped }

func (r *Reassembler) processLine(raw []byte) {
	line := strings.TrimSpace(string(bytes.TrimRight(raw, "\r")))
	if line == "" {
		return
	}

	switch {
	case strings.HasPrefix(line, "data:"):
		r.processSSE(strings.TrimSpace(line[len("data:"):]))
	case len(line) >= 2 && line[1] == ':' && line[0] != '{' && line[0] != '"':
		r.processTagged(line[0], line[2:])
	default:
		r.processBare(line)
	}
}

// processTagged handles `<tag>:<json>` frames. Strings are text; objects
// carry textDelta or delta.
func (r *Reassembler) processTagged(tag byte, payload string) {
	var v any
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		r.skip("tagged", payload, err)
		return
	}
	if tag == errorTag {
		log.Warn().Interface("payload", v).Msg("Completion stream reported an error frame")
		return
	}
	switch t := v.(type) {
	case string:
		// A string may itself hold a JSON object with a delta.
		if strings.HasPrefix(strings.TrimSpace(t), "{") {
			var obj map[string]any
			if err := json.Unmarshal([]byte(t), &obj); err == nil {
				r.appendDelta(obj)
				return
			}
		}
		r.text.WriteString(t)
	case map[string]any:
		r.appendDelta(t)
	}
}

// processSSE handles `data:` frames including the [DONE] terminator.
func (r *Reassembler) processSSE(payload string) {
	if payload == "[DONE]" {
		r.done = true
		return
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(payload), &obj); err != nil {
		var s string
		if serr := json.Unmarshal([]byte(payload), &s); serr == nil {
			r.text.WriteString(s)
			return
		}
		r.skip("sse", payload, err)
		return
	}
	if typ, _ := obj["type"].(string); typ == "text-delta" {
		r.appendDelta(obj)
		return
	}
	if choices, ok := obj["choices"].([]any); ok && len(choices) > 0 {
		if c, ok := choices[0].(map[string]any); ok {
			if d, ok := c["delta"].(map[string]any); ok {
				if s, ok := d["content"].(string); ok {
					r.text.WriteString(s)
				}
			}
		}
	}
}

// processBare accepts a bare JSON string or delta object.
func (r *Reassembler) processBare(line string) {
	var v any
	if err := json.Unmarshal([]byte(line), &v); err != nil {
		r.skip("bare", line, err)
		return
	}
	switch t := v.(type) {
	case string:
		r.text.WriteString(t)
	case map[string]any:
		r.appendDelta(t)
	}
}

func (r *Reassembler) appendDelta(obj map[string]any) {
	if s, ok := obj["textDelta"].(string); ok {
		r.text.WriteString(s)
		return
	}
	if s, ok := obj["delta"].(string); ok {
		r.text.WriteString(s)
	}
}

func (r *Reassembler) skip(kind, frame string, err error) {
	r.skipped++
	if len(frame) > 120 {
		frame = frame[:120]
	}
	log.Debug().Err(err).Str("frame", frame).Str("kind", kind).Msg("Skipping unparseable completion frame")
}

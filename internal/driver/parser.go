package driver

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"

	"github.com/remote-agent-terminal/agent-sessions/internal/model"
)

// ansiPattern matches ANSI escape sequences
// Includes: CSI sequences, OSC sequences, DCS/SOS/PM/APC sequences, and private mode sequences
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07|\x1b[PX^_][^\x1b]*\x1b\\|\x1b\[\?[0-9]+[hl]|\x1b\(B`)

// StripANSI removes ANSI escape sequences from the input.
func StripANSI(data []byte) []byte {
	return ansiPattern.ReplaceAll(data, nil)
}

// wireStep is the JSON-lines form of a Step written by command agents:
//
//	{"kind":"tool_use","tool":{"name":"bash","input":{"command":"ls"}}}
type wireStep struct {
	Kind model.UpdateKind `json:"kind"`
	model.UpdatePayload
}

// Parser turns agent output lines into steps. Lines holding a JSON object
// with a "kind" are decoded directly. Anything else is treated as terminal
// output in the Claude CLI style, where "● Tool(arg)" starts a tool call
// and "⎿ text" reports its result; the remaining text becomes thinking.
type Parser struct {
	actionPattern   *regexp.Regexp // "● Write(file.txt)"
	resultPattern   *regexp.Regexp // "⎿ result"
	responsePattern *regexp.Regexp // "● response"

	lastToolID string
	toolCount  int
}

// NewParser creates a new Parser.
func NewParser() *Parser {
	return &Parser{
		actionPattern:   regexp.MustCompile(`^●\s*(Write|Read|Edit|Delete|Bash|Search)\(([^)]+)\)`),
		resultPattern:   regexp.MustCompile(`^⎿\s*(.+)`),
		responsePattern: regexp.MustCompile(`^●\s*(.+)`),
	}
}

// ParseLine converts one line of output. ok is false for lines that carry
// nothing, such as blank lines or bare escape sequences.
func (p *Parser) ParseLine(line []byte) (step Step, ok bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Step{}, false
	}

	if line[0] == '{' {
		var ws wireStep
		if err := json.Unmarshal(line, &ws); err == nil && ws.Kind != "" {
			if ws.Kind == model.KindToolUse && ws.Tool != nil {
				p.lastToolID = ws.Tool.ID
			}
			return Step{Kind: ws.Kind, Payload: ws.UpdatePayload}, true
		}
	}

	clean := bytes.TrimSpace(StripANSI(line))
	if len(clean) == 0 {
		return Step{}, false
	}

	if m := p.actionPattern.FindSubmatch(clean); m != nil {
		p.toolCount++
		p.lastToolID = string(m[1]) + "-" + strconv.Itoa(p.toolCount)
		return Step{Kind: model.KindToolUse, Payload: model.UpdatePayload{Tool: &model.ToolCall{
			ID:    p.lastToolID,
			Name:  string(m[1]),
			Input: map[string]any{"target": string(m[2])},
		}}}, true
	}
	if m := p.resultPattern.FindSubmatch(clean); m != nil {
		return Step{Kind: model.KindToolResult, Payload: model.UpdatePayload{Result: &model.ToolResult{
			ToolID: p.lastToolID,
			Output: string(m[1]),
		}}}, true
	}
	if m := p.responsePattern.FindSubmatch(clean); m != nil {
		clean = m[1]
	}
	return Step{Kind: model.KindThinking, Payload: model.UpdatePayload{Text: string(clean)}}, true
}

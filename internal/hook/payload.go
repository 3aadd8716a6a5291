package hook

import (
	"bufio"
	"encoding/json"
	"io"
	"os"

	"github.com/charmbracelet/log"
)

const (
	maxPayloadBytes    = 16 << 20
	maxTranscriptBytes = 64 << 20
	maxTranscriptLine  = 8 << 20
)

// Payload is the JSON object the host runtime writes to a hook's stdin.
// Unknown fields are ignored.
type Payload struct {
	SessionID      string            `json:"session_id"`
	CWD            string            `json:"cwd"`
	HookEventName  string            `json:"hook_event_name"`
	ToolName       string            `json:"tool_name"`
	ToolInput      json.RawMessage   `json:"tool_input"`
	Transcript     []json.RawMessage `json:"transcript"`
	TranscriptPath string            `json:"transcript_path"`
}

// ReadPayload decodes a payload from r. Empty or malformed input yields a
// zero Payload (with whatever fields did decode); it never fails.
func ReadPayload(r io.Reader, logger *log.Logger) Payload {
	var p Payload
	if r == nil {
		return p
	}
	data, err := io.ReadAll(io.LimitReader(r, maxPayloadBytes))
	if err != nil || len(data) == 0 {
		return p
	}
	if err := json.Unmarshal(data, &p); err != nil && logger != nil {
		logger.Debug("hook payload decode failed", "err", err, "bytes", len(data))
	}
	return p
}

// FilePath returns the target path of a file-editing tool call.
func (p Payload) FilePath() string {
	if len(p.ToolInput) == 0 {
		return ""
	}
	var in struct {
		FilePath     string `json:"file_path"`
		NotebookPath string `json:"notebook_path"`
	}
	if err := json.Unmarshal(p.ToolInput, &in); err != nil {
		return ""
	}
	if in.FilePath != "" {
		return in.FilePath
	}
	return in.NotebookPath
}

// Messages returns the text of each transcript message: from the inline
// transcript when present, otherwise from the JSONL file at TranscriptPath.
// Structured content is returned as its raw JSON so tool calls stay visible.
func (p Payload) Messages() []string {
	if len(p.Transcript) > 0 {
		out := make([]string, 0, len(p.Transcript))
		for _, raw := range p.Transcript {
			out = append(out, messageText(raw))
		}
		return out
	}
	if p.TranscriptPath == "" {
		return nil
	}
	return readTranscriptFile(p.TranscriptPath)
}

// messageText extracts the content of one transcript entry. Entries are
// either {"content": ...} or JSONL records {"message": {"content": ...}}.
func messageText(raw json.RawMessage) string {
	var entry struct {
		Content json.RawMessage `json:"content"`
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(raw, &entry); err != nil {
		return contentText(raw)
	}
	switch {
	case len(entry.Content) > 0:
		return contentText(entry.Content)
	case len(entry.Message.Content) > 0:
		return contentText(entry.Message.Content)
	}
	return ""
}

func contentText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func readTranscriptFile(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(io.LimitReader(f, maxTranscriptBytes))
	sc.Buffer(make([]byte, 0, 64*1024), maxTranscriptLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if text := messageText(json.RawMessage(line)); text != "" {
			out = append(out, text)
		}
	}
	return out
}

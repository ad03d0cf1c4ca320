package services

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// maxEventSize bounds a single SSE line. Workflow outputs can be large.
const maxEventSize = 4 << 20

// StreamEvent is one record of a Dify event stream.
type StreamEvent struct {
	Event          string           `json:"event"`
	TaskID         string           `json:"task_id"`
	MessageID      string           `json:"message_id"`
	ConversationID string           `json:"conversation_id"`
	Answer         string           `json:"answer"`
	Code           string           `json:"code"`
	Message        string           `json:"message"`
	Data           *StreamEventData `json:"data"`
}

// StreamEventData is the payload of workflow-level events.
type StreamEventData struct {
	Text    string                 `json:"text"`
	Status  string                 `json:"status"`
	Outputs map[string]interface{} `json:"outputs"`
	Error   string                 `json:"error"`
}

type streamResult struct {
	Text           string
	MessageID      string
	ConversationID string
}

// readStream consumes an event stream until an end event or EOF and returns
// the concatenated text deltas. Any failure discards what was accumulated.
func readStream(r io.Reader, outputField string) (*streamResult, error) {
	events := newEventReader(r)
	acc := &streamAccumulator{outputField: outputField}

	for {
		name, data, err := events.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read event stream: %w", err)
		}

		var ev StreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
		}
		if ev.Event == "" {
			ev.Event = name
		}

		done, err := acc.apply(&ev)
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
	}
	return acc.result(), nil
}

type streamAccumulator struct {
	outputField    string
	text           strings.Builder
	messageID      string
	conversationID string
}

// apply folds one event into the accumulator and reports whether the stream
// has reached its end.
func (a *streamAccumulator) apply(ev *StreamEvent) (bool, error) {
	if ev.MessageID != "" {
		a.messageID = ev.MessageID
	}
	if ev.ConversationID != "" {
		a.conversationID = ev.ConversationID
	}

	switch ev.Event {
	case "message", "agent_message":
		a.text.WriteString(ev.Answer)
	case "text_chunk":
		if ev.Data != nil {
			a.text.WriteString(ev.Data.Text)
		}
	case "message_replace":
		a.text.Reset()
		a.text.WriteString(ev.Answer)
	case "message_end":
		return true, nil
	case "workflow_finished":
		if ev.Data == nil {
			return true, nil
		}
		if ev.Data.Status == "failed" || ev.Data.Status == "stopped" {
			return true, fmt.Errorf("%w: %s", ErrWorkflowFailed, ev.Data.Error)
		}
		if a.text.Len() == 0 && len(ev.Data.Outputs) > 0 {
			text, err := extractOutput(ev.Data.Outputs, a.outputField)
			if err != nil {
				return true, err
			}
			a.text.WriteString(text)
		}
		return true, nil
	case "error":
		msg := ev.Message
		if ev.Code != "" {
			msg = ev.Code + ": " + msg
		}
		return true, fmt.Errorf("%w: %s", ErrWorkflowFailed, msg)
	}
	return false, nil
}

func (a *streamAccumulator) result() *streamResult {
	return &streamResult{
		Text:           a.text.String(),
		MessageID:      a.messageID,
		ConversationID: a.conversationID,
	}
}

// eventReader splits a text/event-stream body into events.
type eventReader struct {
	scanner *bufio.Scanner
}

func newEventReader(r io.Reader) *eventReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	return &eventReader{scanner: scanner}
}

// Next returns the name and data of the next event carrying data. Events
// without data lines (keep-alives) are skipped. A trailing event without a
// terminating blank line is still delivered.
func (r *eventReader) Next() (string, string, error) {
	var name string
	var data []string

	for r.scanner.Scan() {
		line := r.scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				return name, strings.Join(data, "\n"), nil
			}
			name = ""
		case strings.HasPrefix(line, ":"):
			// comment
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				name = value
			case "data":
				data = append(data, value)
			}
		}
	}
	if err := r.scanner.Err(); err != nil {
		return "", "", err
	}
	if len(data) > 0 {
		return name, strings.Join(data, "\n"), nil
	}
	return "", "", io.EOF
}

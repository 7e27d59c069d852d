package alerting

import (
	"fmt"
	"os"
	"strings"
)

// messageDelimiter separates queued messages on disk. Ten newlines never
// occur inside a rendered report, so splitting on it is unambiguous.
const messageDelimiter = "\n\n\n\n\n\n\n\n\n\n"

// Queue 持久化待发送的报告文本。
type Queue struct {
	path string
}

// NewQueue binds the queue to its backing file.
func NewQueue(path string) *Queue {
	return &Queue{path: path}
}

// Save replaces the queue contents with the given messages.
func (q *Queue) Save(messages []string) error {
	if len(messages) == 0 {
		return q.Clear()
	}
	data := strings.Join(messages, messageDelimiter)
	if err := os.WriteFile(q.path, []byte(data), 0o644); err != nil {
		return fmt.Errorf("save message queue: %w", err)
	}
	return nil
}

// Load returns the queued messages; a missing file is an empty queue.
func (q *Queue) Load() ([]string, error) {
	raw, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load message queue: %w", err)
	}

	var messages []string
	for _, chunk := range strings.Split(string(raw), messageDelimiter) {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		messages = append(messages, chunk)
	}
	return messages, nil
}

// Clear empties the queue.
func (q *Queue) Clear() error {
	if err := os.WriteFile(q.path, nil, 0o644); err != nil {
		return fmt.Errorf("clear message queue: %w", err)
	}
	return nil
}

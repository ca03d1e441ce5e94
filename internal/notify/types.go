// Package notify posts run notices to chat platforms.
package notify

import (
	"context"
	"time"
)

// Level grades a notice.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice is a platform-neutral message about a run.
type Notice struct {
	Level  Level     `json:"level"`
	Title  string    `json:"title"`
	Text   string    `json:"text"`
	Engine string    `json:"engine"`
	Branch string    `json:"branch,omitempty"`
	At     time.Time `json:"at"`
}

// Notifier delivers notices to one platform.
type Notifier interface {
	Platform() string
	Notify(ctx context.Context, n *Notice) error
}

func (l Level) emoji() string {
	switch l {
	case LevelWarning:
		return ":warning:"
	case LevelError:
		return ":rotating_light:"
	}
	return ":information_source:"
}

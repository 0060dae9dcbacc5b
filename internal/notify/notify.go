// Package notify carries operator-facing notifications (toasts and sounds)
// from the reconcilers and the cancel flow to whatever displays them.
package notify

// Level classifies a notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notification is a toast, optionally accompanied by a sound.
type Notification struct {
	Level      Level    `json:"level"`
	Text       string   `json:"text"`
	SoundURL   string   `json:"soundUrl,omitempty"`
	PlaySound  bool     `json:"playSound,omitempty"`
	Collection string   `json:"collection,omitempty"`
	Keys       []string `json:"keys,omitempty"`
}

// Notifier displays notifications. Implementations must not block for long;
// callers include reconciliation loops.
type Notifier interface {
	Notify(n Notification)
}

// Func adapts a function to Notifier.
type Func func(Notification)

// Notify implements Notifier.
func (f Func) Notify(n Notification) { f(n) }

// Discard drops every notification.
var Discard Notifier = Func(func(Notification) {})

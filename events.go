package stormlsp

import "time"

// LanguageStatus is the user-visible state of one language's server,
// surfaced in a status line.
type LanguageStatus int

// Language server statuses.
const (
	StatusStopped LanguageStatus = iota
	StatusStarting
	StatusRunning
	StatusCooldown
)

// String returns a human-readable status name.
func (s LanguageStatus) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusCooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// Event is a message delivered to the host loop through Manager.Events.
// The host drains the channel once per iteration and applies the results on
// its own thread.
type Event interface {
	event()
}

// DiagnosticsEvent forwards a server's published diagnostics for the
// rendering layer to turn into visual markers.
type DiagnosticsEvent struct {
	Language    string
	URI         DocumentURI
	Path        string
	Diagnostics []Diagnostic
}

func (DiagnosticsEvent) event() {}

// StatusEvent reports a server lifecycle change: started, crashed, entered
// cooldown, stopped.
type StatusEvent struct {
	Language      string
	Status        LanguageStatus
	Connection    ConnectionID
	Err           error
	CooldownUntil time.Time
}

func (StatusEvent) event() {}

// ShowMessageEvent forwards a window/showMessage notification for the host
// to present to the user.
type ShowMessageEvent struct {
	Language string
	Type     int
	Message  string
}

func (ShowMessageEvent) event() {}

package runtime

import "go.uber.org/zap/zapcore"

// Event is a run event emitted by a test instance: diagnostic messages,
// lifecycle stages, and the terminal success/failure/crash outcomes the
// scheduler watches for. Exactly one member is non-nil; the JSON form keys
// the event by its kind.
type Event struct {
	StartEvent      *StartEvent      `json:"start_event,omitempty"`
	MessageEvent    *MessageEvent    `json:"message_event,omitempty"`
	SuccessEvent    *SuccessEvent    `json:"success_event,omitempty"`
	FailureEvent    *FailureEvent    `json:"failure_event,omitempty"`
	CrashEvent      *CrashEvent      `json:"crash_event,omitempty"`
	StageStartEvent *StageStartEvent `json:"stage_start_event,omitempty"`
	StageEndEvent   *StageEndEvent   `json:"stage_end_event,omitempty"`
}

type StartEvent struct {
	Runenv string `json:"runenv"`
}

type MessageEvent struct {
	Message string `json:"message"`
}

type SuccessEvent struct {
	Group string `json:"group"`
}

type FailureEvent struct {
	Group string `json:"group"`
	Error string `json:"error"`
}

type CrashEvent struct {
	Group      string `json:"group"`
	Error      string `json:"error"`
	Stacktrace string `json:"stacktrace"`
}

type StageStartEvent struct {
	Name  string `json:"name"`
	Group string `json:"group"`
}

type StageEndEvent struct {
	Name  string `json:"name"`
	Group string `json:"group"`
}

// NewMessageEvent creates an Event carrying a diagnostic message.
func NewMessageEvent(message string) *Event {
	return &Event{MessageEvent: &MessageEvent{Message: message}}
}

// NewStageStartEvent creates an Event marking entry into a named stage.
func NewStageStartEvent(name, group string) *Event {
	return &Event{StageStartEvent: &StageStartEvent{Name: name, Group: group}}
}

// NewStageEndEvent creates an Event marking exit from a named stage.
func NewStageEndEvent(name, group string) *Event {
	return &Event{StageEndEvent: &StageEndEvent{Name: name, Group: group}}
}

// NewSuccessEvent creates a terminal Event marking the group's success.
func NewSuccessEvent(group string) *Event {
	return &Event{SuccessEvent: &SuccessEvent{Group: group}}
}

// NewFailureEvent creates a terminal Event marking the group's failure.
func NewFailureEvent(group, error string) *Event {
	return &Event{FailureEvent: &FailureEvent{Group: group, Error: error}}
}

// NewCrashEvent creates a terminal Event marking the group's crash.
func NewCrashEvent(group, error, stacktrace string) *Event {
	return &Event{CrashEvent: &CrashEvent{Group: group, Error: error, Stacktrace: stacktrace}}
}

// Type returns the JSON key of the event's kind, mostly for logging and
// assertions.
func (e *Event) Type() string {
	switch {
	case e.StartEvent != nil:
		return "start_event"
	case e.MessageEvent != nil:
		return "message_event"
	case e.SuccessEvent != nil:
		return "success_event"
	case e.FailureEvent != nil:
		return "failure_event"
	case e.CrashEvent != nil:
		return "crash_event"
	case e.StageStartEvent != nil:
		return "stage_start_event"
	case e.StageEndEvent != nil:
		return "stage_end_event"
	default:
		return "unknown"
	}
}

var _ zapcore.ObjectMarshaler = (*Event)(nil)

func (e *Event) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("type", e.Type())
	switch {
	case e.StartEvent != nil:
		enc.AddString("runenv", e.StartEvent.Runenv)
	case e.MessageEvent != nil:
		enc.AddString("message", e.MessageEvent.Message)
	case e.SuccessEvent != nil:
		enc.AddString("group", e.SuccessEvent.Group)
	case e.FailureEvent != nil:
		enc.AddString("group", e.FailureEvent.Group)
		enc.AddString("error", e.FailureEvent.Error)
	case e.CrashEvent != nil:
		enc.AddString("group", e.CrashEvent.Group)
		enc.AddString("error", e.CrashEvent.Error)
		enc.AddString("stacktrace", e.CrashEvent.Stacktrace)
	case e.StageStartEvent != nil:
		enc.AddString("name", e.StageStartEvent.Name)
		enc.AddString("group", e.StageStartEvent.Group)
	case e.StageEndEvent != nil:
		enc.AddString("name", e.StageEndEvent.Name)
		enc.AddString("group", e.StageEndEvent.Group)
	}
	return nil
}

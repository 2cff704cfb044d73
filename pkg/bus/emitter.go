package bus

import (
	"time"

	"github.com/olegkizyma008-rgb/atlas/pkg/protocol"
)

// Emitter binds a bus to one session and the executor's current stage,
// giving the stage processors a compact emission surface.
type Emitter struct {
	bus       *Bus
	sessionID string
	stage     int
}

func NewEmitter(b *Bus, sessionID string) *Emitter {
	return &Emitter{bus: b, sessionID: sessionID}
}

// AtStage returns an emitter that stamps events with the given stage id.
func (e *Emitter) AtStage(stage int) *Emitter {
	return &Emitter{bus: e.bus, sessionID: e.sessionID, stage: stage}
}

// SessionID returns the bound session.
func (e *Emitter) SessionID() string {
	return e.sessionID
}

func (e *Emitter) emit(typ protocol.EventType, fill func(*protocol.Event)) protocol.Event {
	ev := protocol.Event{
		Type:      typ,
		Stage:     e.stage,
		Timestamp: time.Now(),
	}
	fill(&ev)
	return e.bus.Emit(e.sessionID, ev)
}

func (e *Emitter) Progress(itemID, status, detail string) {
	e.emit(protocol.EventProgress, func(ev *protocol.Event) {
		ev.Progress = &protocol.ProgressEvent{ItemID: itemID, Status: status, Detail: detail}
	})
}

func (e *Emitter) Chat(role, text string) {
	e.emit(protocol.EventChat, func(ev *protocol.Event) {
		ev.Chat = &protocol.ChatMessage{Role: role, Text: text}
	})
}

func (e *Emitter) TTS(text, voice string) {
	e.emit(protocol.EventTTS, func(ev *protocol.Event) {
		ev.TTS = &protocol.TTSChunk{Text: text, Voice: voice}
	})
}

func (e *Emitter) Tool(itemID string, call protocol.ToolCall, corrected bool, outcome string, duration time.Duration) {
	e.emit(protocol.EventTool, func(ev *protocol.Event) {
		ev.Tool = &protocol.ToolEvent{
			ItemID:     itemID,
			Call:       call,
			Corrected:  corrected,
			Outcome:    outcome,
			DurationMs: duration.Milliseconds(),
		}
	})
}

func (e *Emitter) StageTransition(from, to int) {
	e.emit(protocol.EventStage, func(ev *protocol.Event) {
		ev.Trans = &protocol.StageTransition{From: from, To: to}
	})
}

func (e *Emitter) Todo(snapshot protocol.TodoSnapshot) {
	e.emit(protocol.EventTodo, func(ev *protocol.Event) {
		ev.Todo = &snapshot
	})
}

func (e *Emitter) Approval(req protocol.ApprovalRequest) {
	e.emit(protocol.EventApproval, func(ev *protocol.Event) {
		ev.Approval = &req
	})
}

func (e *Emitter) Terminal(status protocol.TerminalStatus, summary string) {
	e.emit(protocol.EventTerminal, func(ev *protocol.Event) {
		ev.Terminal = &protocol.TerminalEvent{Status: status, Summary: summary}
	})
}

func (e *Emitter) Error(err *protocol.Error) {
	e.emit(protocol.EventError, func(ev *protocol.Event) {
		ev.Err = err
	})
}

package server

import "github.com/olegkizyma008-rgb/atlas/pkg/protocol"

// sseEventName maps internal event types onto the wire names clients
// subscribe to. Progress events split on status so clients can listen
// for item_executing and item_verified directly.
func sseEventName(ev protocol.Event) string {
	switch ev.Type {
	case protocol.EventChat:
		return "agent"
	case protocol.EventTerminal:
		return "complete"
	case protocol.EventProgress:
		if ev.Progress != nil {
			switch ev.Progress.Status {
			case "executing":
				return "item_executing"
			case "completed":
				return "item_verified"
			}
		}
		return "progress"
	}
	return string(ev.Type)
}

package control

import (
	"time"

	"go.uber.org/zap/zapcore"

	"scenetap/internal/engine"
)

// PayloadLogger logs a structured payload under a prefix.
type PayloadLogger interface {
	LogPayload(level zapcore.Level, prefix string, payload map[string]any)
}

// EventRouter sends every event to the local log and, when a client is
// subscribed to its category, to the control plane.
type EventRouter struct {
	Log PayloadLogger
	CP  *ControlPlane
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func (r *EventRouter) Emit(cat, event, level string, payload map[string]any, cp bool) {
	if r.Log != nil {
		r.Log.LogPayload(parseLevel(level), cat+"."+event, payload)
	}
	if !cp || r.CP == nil || !r.CP.Connected() || !r.CP.CatEnabled(cat) {
		return
	}
	out := make(map[string]any, len(payload)+3)
	out["ts"] = utcISO(time.Now())
	out["cat"] = cat
	out["event"] = event
	for k, v := range payload {
		out[k] = v
	}
	r.CP.EmitRaw(out)
}

// EngineEvent maps engine state changes onto router categories.
func (r *EventRouter) EngineEvent(ev engine.Event) {
	switch ev.Kind {
	case engine.EventStreamDesync:
		r.Emit("stream", ev.Kind, "warning", ev.Data, true)
	case engine.EventConnectionSwitched, engine.EventConnectionIdle, engine.EventConnectionReset:
		r.Emit("connection", ev.Kind, "info", ev.Data, true)
	default:
		r.Emit("engine", ev.Kind, "debug", ev.Data, true)
	}
}

// Package voice turns workflow milestones into tts_chunk events. The
// actual synthesis happens client-side; the orchestrator only emits
// the localized phrase text drawn from configuration templates.
package voice

import (
	"strings"

	"github.com/olegkizyma008-rgb/atlas/pkg/bus"
	"github.com/olegkizyma008-rgb/atlas/pkg/config"
)

// Phrase points recognized in the configuration template map.
const (
	PointExecuting  = "executing"
	PointVerified   = "verified"
	PointAdjusting  = "adjusting"
	PointReplanning = "replanning"
	PointSummary    = "summary"
)

// Announcer emits phrase templates as TTS chunks. Disabled announcers
// are no-ops so call sites stay unconditional.
type Announcer struct {
	cfg config.VoiceConfig
}

func NewAnnouncer(cfg config.VoiceConfig) *Announcer {
	return &Announcer{cfg: cfg}
}

// Enabled reports whether voice output is configured on.
func (a *Announcer) Enabled() bool { return a.cfg.Enabled }

// Announce renders the template for the phrase point and emits it.
// Placeholders of the form {name} are substituted from vars; a point
// with no configured template stays silent.
func (a *Announcer) Announce(emitter *bus.Emitter, point string, vars map[string]string) {
	if !a.cfg.Enabled || emitter == nil {
		return
	}
	tmpl, ok := a.cfg.Phrases[point]
	if !ok || tmpl == "" {
		return
	}
	emitter.TTS(render(tmpl, vars), a.cfg.Voice)
}

func render(tmpl string, vars map[string]string) string {
	if len(vars) == 0 {
		return tmpl
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

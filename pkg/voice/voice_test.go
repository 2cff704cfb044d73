package voice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olegkizyma008-rgb/atlas/pkg/bus"
	"github.com/olegkizyma008-rgb/atlas/pkg/config"
	"github.com/olegkizyma008-rgb/atlas/pkg/protocol"
)

func TestAnnounce_RendersTemplate(t *testing.T) {
	b := bus.New()
	emitter := bus.NewEmitter(b, "s1")
	a := NewAnnouncer(config.VoiceConfig{
		Enabled: true,
		Voice:   "uk-natalia",
		Phrases: map[string]string{
			PointExecuting: "Виконую пункт {item}",
		},
	})

	a.Announce(emitter, PointExecuting, map[string]string{"item": "1.2"})

	events := b.History("s1", 1)
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventTTS, events[0].Type)
	assert.Equal(t, "Виконую пункт 1.2", events[0].TTS.Text)
	assert.Equal(t, "uk-natalia", events[0].TTS.Voice)
}

func TestAnnounce_DisabledIsSilent(t *testing.T) {
	b := bus.New()
	emitter := bus.NewEmitter(b, "s1")
	a := NewAnnouncer(config.VoiceConfig{
		Phrases: map[string]string{PointSummary: "done"},
	})

	a.Announce(emitter, PointSummary, nil)
	assert.Empty(t, b.History("s1", 1))
}

func TestAnnounce_MissingTemplateIsSilent(t *testing.T) {
	b := bus.New()
	emitter := bus.NewEmitter(b, "s1")
	a := NewAnnouncer(config.VoiceConfig{Enabled: true})

	a.Announce(emitter, PointVerified, nil)
	assert.Empty(t, b.History("s1", 1))
}

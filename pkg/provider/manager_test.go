package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olegkizyma008-rgb/atlas/pkg/config"
	"github.com/olegkizyma008-rgb/atlas/pkg/protocol"
	"github.com/olegkizyma008-rgb/atlas/pkg/tools"
)

func disabled() *bool {
	v := false
	return &v
}

func newTestManager(t *testing.T) (*Manager, *tools.Registry) {
	t.Helper()
	reg := tools.NewRegistry()
	m := NewManager(map[string]config.ProviderConfig{
		"filesystem": {Enabled: disabled(), Description: "file access"},
	}, reg)
	require.NoError(t, m.StartAll(context.Background()))
	return m, reg
}

func TestDispatch_UnknownProvider(t *testing.T) {
	m, _ := newTestManager(t)

	res := m.Dispatch(context.Background(), protocol.ToolCall{
		Provider: "memory",
		Tool:     "memory__store_fact",
	})
	assert.False(t, res.Success)
	assert.Equal(t, protocol.ErrToolNotFound, res.ErrorKind)
}

func TestDispatch_DisabledProvider(t *testing.T) {
	m, _ := newTestManager(t)

	res := m.Dispatch(context.Background(), protocol.ToolCall{
		Provider: "filesystem",
		Tool:     "filesystem__read_file",
	})
	assert.False(t, res.Success)
	assert.Equal(t, protocol.ErrProvider, res.ErrorKind)
	assert.Contains(t, res.Error, "provider-disabled")
}

func TestDispatch_ToolNotAdvertised(t *testing.T) {
	reg := tools.NewRegistry()
	m := NewManager(nil, reg)
	h := &handle{name: "shell", sem: make(chan struct{}, 1)}
	h.setState(StateReady, nil)
	m.handles["shell"] = h

	res := m.Dispatch(context.Background(), protocol.ToolCall{
		Provider: "shell",
		Tool:     "shell__run_command",
	})
	assert.False(t, res.Success)
	assert.Equal(t, protocol.ErrToolNotFound, res.ErrorKind)
}

func TestDispatch_TerminatedDropsTools(t *testing.T) {
	reg := tools.NewRegistry()
	reg.ReplaceProvider("shell", []protocol.ToolDef{{
		Name:     "shell__run_command",
		Provider: "shell",
		WireName: "run_command",
	}})

	m := NewManager(nil, reg)
	h := &handle{name: "shell", sem: make(chan struct{}, 1)}
	h.setState(StateReady, nil)
	m.handles["shell"] = h

	m.markTerminated(h, errors.New("broken pipe"))

	state, err := h.getState()
	assert.Equal(t, StateFailed, state)
	assert.Error(t, err)
	_, ok := reg.Get("shell__run_command")
	assert.False(t, ok, "terminated provider must not keep cached tools")

	assert.Empty(t, m.EnabledProviders())
}

func TestStatuses_SortedWithState(t *testing.T) {
	m, _ := newTestManager(t)

	statuses := m.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "filesystem", statuses[0].Name)
	assert.Equal(t, StateDisabled, statuses[0].State)
	assert.Equal(t, "file access", statuses[0].Description)
}

func TestDescriptions_OnlyReady(t *testing.T) {
	m, _ := newTestManager(t)
	assert.Empty(t, m.Descriptions())

	h := &handle{name: "web", cfg: config.ProviderConfig{Description: "browser"}, sem: make(chan struct{}, 1)}
	h.setState(StateReady, nil)
	m.handles["web"] = h

	descs := m.Descriptions()
	assert.Equal(t, map[string]string{"web": "browser"}, descs)
	assert.Equal(t, []string{"web"}, m.EnabledProviders())
}

package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-parley/pkg/conversation"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "none.env")}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestKnowledgeCommands(t *testing.T) {
	t.Setenv("PARLEY_KNOWLEDGE_BACKEND", "json")
	t.Setenv("PARLEY_KNOWLEDGE_PATH", filepath.Join(t.TempDir(), "knowledge.json"))

	_, err := execute(t, "knowledge", "set", "user/name", `"Ada"`)
	require.NoError(t, err)
	_, err = execute(t, "knowledge", "set", "notes", `["likes tea"]`)
	require.NoError(t, err)
	_, err = execute(t, "knowledge", "set", "user/city", "London")
	require.NoError(t, err)

	out, err := execute(t, "knowledge", "get", "user/city")
	require.NoError(t, err)
	assert.Equal(t, `"London"`, strings.TrimSpace(out), "non-JSON values are stored as strings")

	out, err = execute(t, "knowledge", "list", "user")
	require.NoError(t, err)
	assert.Equal(t, []string{"user/city", "user/name"}, strings.Fields(out))

	_, err = execute(t, "knowledge", "delete", "user/city")
	require.NoError(t, err)
	_, err = execute(t, "knowledge", "get", "user/city")
	assert.Error(t, err)
}

func TestRunRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := execute(t, "run", "--text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")
}

func TestDevices(t *testing.T) {
	out, err := execute(t, "devices")
	require.NoError(t, err)
	assert.Contains(t, out, "mock")
	assert.Contains(t, out, "file")
}

func TestRenderer(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf)

	r.Event(conversation.Event{Type: conversation.EventAIResponseReady, Transcript: "hello there"})
	r.Event(conversation.Event{Type: conversation.EventAIResponseReady})
	r.Event(conversation.Event{Type: conversation.EventError, Kind: conversation.KindDevice, Message: "overflow"})
	r.Latency(conversation.TurnMetrics{})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3, "empty replies are not printed")
	assert.Contains(t, lines[0], "hello there")
	assert.Contains(t, lines[1], "device_error")
	assert.Contains(t, lines[2], "first audio")
}

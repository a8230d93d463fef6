package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadzzz/intercom/internal/config"
	"github.com/nadzzz/intercom/internal/feedback"
	"github.com/nadzzz/intercom/internal/message"
)

func TestBindPatchFlags_OnlyChangedFields(t *testing.T) {
	var patch message.PreferencesPatch
	cmd := &cobra.Command{Use: "set", RunE: func(*cobra.Command, []string) error { return nil }}
	bindPatchFlags(cmd, &patch)
	cmd.SetArgs([]string{"--tts-enabled=false", "--ui-theme", "dark"})
	require.NoError(t, cmd.Execute())

	require.NotNil(t, patch.TTS)
	assert.False(t, *patch.TTS.Enabled)
	assert.Nil(t, patch.TTS.Engine)
	require.NotNil(t, patch.UI)
	assert.Equal(t, "dark", *patch.UI.Theme)
	assert.Nil(t, patch.UI.ShowFeedback)
	assert.Nil(t, patch.STT)
	assert.Nil(t, patch.NLU)

	got := patch.Apply(message.DefaultPreferences())
	assert.False(t, got.TTS.Enabled)
	assert.Equal(t, "pyttsx3", got.TTS.Engine)
}

func TestTypeOut(t *testing.T) {
	cfg = &config.Config{Feedback: config.FeedbackConfig{TypingInterval: 1}}
	var out bytes.Buffer

	st := feedback.State{
		Phase:        feedback.PhaseResponded,
		IsUnderstood: false,
		Text:         "抱歉，没有听懂",
		Result:       &message.ClassifiedResult{Transcript: "嗯"},
	}
	require.NoError(t, typeOut(context.Background(), &out, st))
	assert.Equal(t, "> 嗯\n抱歉，没有听懂\n(not understood)\n", out.String())
}

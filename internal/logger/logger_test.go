package logger

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestLevelsMatchLogrus(t *testing.T) {
	levels := Levels()
	assert.Len(t, levels, len(logrus.AllLevels))
	assert.Contains(t, levels, "info")
	assert.Contains(t, levels, "trace")
}

func TestColors(t *testing.T) {
	assert.ElementsMatch(t, []string{ColorAlways, ColorAuto, ColorNever}, Colors())
}

func TestMemoryLogHookCapturesMessages(t *testing.T) {
	InitStderrLog()

	hook := NewMemoryLogHook()
	Log.AddHook(hook)

	Log.Warnf("disk %s is busy", "/dev/loop11")
	Log.Infof("retrying")

	messages := hook.ConsumeMessages()
	assert.Len(t, messages, 2)
	assert.Equal(t, "disk /dev/loop11 is busy", messages[0].Message)
	assert.Equal(t, logrus.WarnLevel, messages[0].Level)
	assert.Equal(t, logrus.InfoLevel, messages[1].Level)

	// Consuming resets the hook.
	assert.Empty(t, hook.ConsumeMessages())
}

func TestStderrHookLevelFiltering(t *testing.T) {
	hook := newStderrHook(logrus.WarnLevel, false)

	levels := hook.Levels()
	assert.Contains(t, levels, logrus.ErrorLevel)
	assert.Contains(t, levels, logrus.WarnLevel)
	assert.NotContains(t, levels, logrus.InfoLevel)
}

func TestShouldUseColorExplicitSettings(t *testing.T) {
	assert.True(t, shouldUseColor(ColorAlways))
	assert.False(t, shouldUseColor(ColorNever))
}

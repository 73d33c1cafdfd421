package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONByDefault(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "debug", "")
	l.WithField("patient_id", "p1").Debug("checked")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "checked", line["message"])
	assert.Equal(t, "p1", line["patient_id"])
}

func TestNewTextAndLevelFallback(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "nonsense", "TEXT")
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())

	l.Debug("hidden")
	l.Info("shown")
	out := buf.String()
	assert.False(t, strings.Contains(out, "hidden"))
	assert.Contains(t, out, "msg=shown")
}

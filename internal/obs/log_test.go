package obs

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogLineShape(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)

	Info("session.open", Fields{"id": "abc", "bytes": 4})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "info", line["level"])
	require.Equal(t, "session.open", line["msg"])
	require.Equal(t, "abc", line["id"])
	require.EqualValues(t, 4, line["bytes"])
	require.True(t, strings.HasSuffix(line["ts"].(string), "Z"))
}

func TestDebugToggle(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)
	defer EnableDebug(false)

	Debug("hidden", nil)
	require.Zero(t, buf.Len())

	EnableDebug(true)
	Debug("shown", nil)
	require.Contains(t, buf.String(), `"msg":"shown"`)
}

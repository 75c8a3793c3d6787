package exec

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := outputFrame{Crash: &CrashFrame{Kind: "panic", Message: "boom", Frames: []string{"a", "b"}}}
	require.NoError(t, WriteFrame(&buf, in))

	var out outputFrame
	require.NoError(t, ReadFrame(&buf, &out))
	assert.Equal(t, in.Crash.Kind, out.Crash.Kind)
	assert.Equal(t, in.Crash.Message, out.Crash.Message)
	assert.Equal(t, in.Crash.Frames, out.Crash.Frames)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	var out outputFrame
	err := ReadFrame(&buf, &out)
	require.Error(t, err)
}

func TestReadFrameTruncatedHeaderErrors(t *testing.T) {
	r := strings.NewReader("ab")
	var out outputFrame
	err := ReadFrame(r, &out)
	require.Error(t, err)
}

package remote

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	payloads := []string{"", "PING", "START_JOB Docs", "héllo wörld ✓", string(bytes.Repeat([]byte("x"), 70000))}

	var buf bytes.Buffer
	for _, p := range payloads {
		require.NoError(t, WriteFrame(&buf, []byte(p)))
	}

	for _, p := range payloads {
		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, p, string(got))
	}

	_, err := ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameHeaderIsLittleEndian(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("PONG")))
	assert.Equal(t, []byte{4, 0, 0, 0, 'P', 'O', 'N', 'G'}, buf.Bytes())
}

func TestReadFrameErrors(t *testing.T) {
	var neg [4]byte
	binary.LittleEndian.PutUint32(neg[:], uint32(0xFFFFFFFF))
	_, err := ReadFrame(bytes.NewReader(neg[:]))
	assert.ErrorIs(t, err, ErrNegativeLength)

	var huge [4]byte
	binary.LittleEndian.PutUint32(huge[:], uint32(MaxFrameSize+1))
	_, err = ReadFrame(bytes.NewReader(huge[:]))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	_, err = ReadFrame(bytes.NewReader([]byte{1, 0}))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = ReadFrame(bytes.NewReader([]byte{5, 0, 0, 0, 'a'}))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestParseRequest(t *testing.T) {
	tests := []struct {
		in   string
		cmd  Command
		args []string
	}{
		{"PING", CmdPing, nil},
		{"ping", CmdPing, nil},
		{"  get_jobs  ", CmdGetJobs, nil},
		{"START_JOB Docs", CmdStartJob, []string{"Docs"}},
		{"Stop_Job My Photos", CmdStopJob, []string{"My Photos"}},
		{"PAUSE_JOB a, b", CmdPauseJob, []string{"a", "b"}},
		{"DANCE", CmdUnknown, nil},
		{"", CmdUnknown, nil},
	}

	for _, tt := range tests {
		req := ParseRequest(tt.in)
		assert.Equal(t, tt.cmd, req.Command, tt.in)
		assert.Equal(t, tt.args, req.Args, tt.in)
	}

	assert.Equal(t, "", ParseRequest("PING").Arg(0))
	assert.Equal(t, "START_JOB Docs", ParseRequest("start_job Docs").String())
}

func TestReplies(t *testing.T) {
	assert.Equal(t, "OK job Docs started", OK("job %s started", "Docs"))
	assert.True(t, IsError(Err("boom")))
	assert.False(t, IsError(ReplyPong))
}

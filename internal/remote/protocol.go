package remote

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Frames are a 4-byte signed little-endian length followed by that many
// bytes of UTF-8 payload.
const (
	headerSize   = 4
	MaxFrameSize = 16 << 20
)

var (
	ErrNegativeLength = errors.New("negative frame length")
	ErrFrameTooLarge  = errors.New("frame too large")
)

type Command string

const (
	CmdPing      Command = "PING"
	CmdGetJobs   Command = "GET_JOBS"
	CmdStartJob  Command = "START_JOB"
	CmdResumeJob Command = "RESUME_JOB"
	CmdPauseJob  Command = "PAUSE_JOB"
	CmdStopJob   Command = "STOP_JOB"
	CmdUnknown   Command = "UNKNOWN"
)

var commands = map[string]Command{
	string(CmdPing):      CmdPing,
	string(CmdGetJobs):   CmdGetJobs,
	string(CmdStartJob):  CmdStartJob,
	string(CmdResumeJob): CmdResumeJob,
	string(CmdPauseJob):  CmdPauseJob,
	string(CmdStopJob):   CmdStopJob,
}

const (
	ReplyPong = "PONG"
	okPrefix  = "OK "
	errPrefix = "ERROR "
)

// Request is a parsed "<COMMAND>[ <arg1>[,<arg2>...]]" line.
type Request struct {
	Command Command
	Raw     string
	Args    []string
}

func (r Request) Arg(i int) string {
	if i < len(r.Args) {
		return r.Args[i]
	}
	return ""
}

func ParseRequest(payload string) Request {
	payload = strings.TrimSpace(payload)
	head, rest, _ := strings.Cut(payload, " ")

	req := Request{Command: CmdUnknown, Raw: head}
	if cmd, ok := commands[strings.ToUpper(head)]; ok {
		req.Command = cmd
	}

	rest = strings.TrimSpace(rest)
	if rest == "" {
		return req
	}

	for arg := range strings.SplitSeq(rest, ",") {
		req.Args = append(req.Args, strings.TrimSpace(arg))
	}

	return req
}

func (r Request) String() string {
	if len(r.Args) == 0 {
		return string(r.Command)
	}
	return string(r.Command) + " " + strings.Join(r.Args, ",")
}

func OK(format string, args ...any) string {
	return okPrefix + fmt.Sprintf(format, args...)
}

func Err(format string, args ...any) string {
	return errPrefix + fmt.Sprintf(format, args...)
}

func IsError(reply string) bool {
	return strings.HasPrefix(reply, errPrefix)
}

// WriteFrame writes payload as one frame in a single Write call so frames
// from concurrent writers holding the same lock never interleave.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(buf[:headerSize], uint32(int32(len(payload))))
	copy(buf[headerSize:], payload)

	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame. A short header or body yields the read error
// (io.EOF or io.ErrUnexpectedEOF); callers treat any error as a disconnect.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	n := int32(binary.LittleEndian.Uint32(header[:]))
	if n < 0 {
		return nil, ErrNegativeLength
	}
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	return payload, nil
}

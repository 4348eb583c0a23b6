package remote

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"backupd/internal/model"
)

// Client is a companion remote-control connection. The server may push job
// snapshots between replies; Do skips them unless it asked for one.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
}

func Dial(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	return &Client{conn: conn, reader: bufio.NewReader(conn)}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) Send(payload string) error {
	return WriteFrame(c.conn, []byte(payload))
}

func (c *Client) Receive() (string, error) {
	payload, err := ReadFrame(c.reader)
	if err != nil {
		return "", err
	}

	return string(payload), nil
}

// Do sends one request and returns its reply. Snapshots are not tagged, so
// for GET_JOBS a pushed snapshot that arrives first is returned in place of
// the reply, and the reply itself is read by a later call. Both are complete
// job lists; a caller that needs the latest one should keep reading with
// Receive.
func (c *Client) Do(req string) (string, error) {
	if err := c.Send(req); err != nil {
		return "", err
	}

	wantJobs := ParseRequest(req).Command == CmdGetJobs
	for {
		reply, err := c.Receive()
		if err != nil {
			return "", err
		}

		if isSnapshot(reply) != wantJobs {
			continue
		}

		return reply, nil
	}
}

func (c *Client) Jobs() ([]model.PublicJob, error) {
	reply, err := c.Do(string(CmdGetJobs))
	if err != nil {
		return nil, err
	}

	var jobs []model.PublicJob
	if err := json.Unmarshal([]byte(reply), &jobs); err != nil {
		return nil, fmt.Errorf("failed to decode jobs: %w", err)
	}

	return jobs, nil
}

func isSnapshot(payload string) bool {
	return strings.HasPrefix(strings.TrimSpace(payload), "[")
}

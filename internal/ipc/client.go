package ipc

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client sends one request per call over the daemon's unix socket.
type Client struct {
	path    string
	timeout time.Duration
}

func NewClient(path string) *Client {
	return &Client{path: path, timeout: connTimeout}
}

// Do sends the request and decodes the reply. A connection failure almost
// always means the daemon is not running.
func (c *Client) Do(req Request) (Response, error) {
	conn, err := net.DialTimeout("unix", c.path, c.timeout)
	if err != nil {
		return Response{}, fmt.Errorf("connect to daemon at %s: %w (is it running?)", c.path, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.timeout))

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	return resp, nil
}

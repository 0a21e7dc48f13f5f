package daemon

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/loomworks/loom/internal/errors"
	"github.com/loomworks/loom/internal/store"
)

// Client talks to a workspace daemon over its unix socket.
type Client struct {
	conn net.Conn
}

// Dial connects to the daemon for the workspace rooted at root.
func Dial(root string) (*Client, error) {
	conn, err := net.DialTimeout("unix", store.SocketPath(root), 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrDaemonNotRunning, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the control connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) roundTrip(req Request) (*Response, error) {
	if err := WriteFrame(c.conn, req); err != nil {
		return nil, err
	}
	var resp Response
	if err := ReadFrame(c.conn, &resp); err != nil {
		return nil, err
	}
	if resp.Kind == RespError {
		return &resp, fmt.Errorf("daemon: %s", resp.Message)
	}
	return &resp, nil
}

// Ping checks that the daemon is responsive.
func (c *Client) Ping() error {
	resp, err := c.roundTrip(Request{Kind: ReqPing})
	if err != nil {
		return err
	}
	if resp.Kind != RespPong {
		return fmt.Errorf("unexpected response %q to ping", resp.Kind)
	}
	return nil
}

// Stop asks the daemon to shut down its orchestrator and exit.
func (c *Client) Stop() error {
	_, err := c.roundTrip(Request{Kind: ReqStop})
	return err
}

// StartWithConfig hands the daemon its run configuration.
func (c *Client) StartWithConfig(rc RunConfig) error {
	resp, err := c.roundTrip(Request{Kind: ReqStartWithConfig, Config: &rc})
	if err != nil {
		return err
	}
	if resp.Kind != RespConfigApplied {
		return fmt.Errorf("unexpected response %q to start", resp.Kind)
	}
	return nil
}

// SubscribeStatus enables status pushes on this connection.
func (c *Client) SubscribeStatus() error {
	_, err := c.roundTrip(Request{Kind: ReqSubscribeStatus})
	return err
}

// SubscribeLogs enables log pushes on this connection.
func (c *Client) SubscribeLogs() error {
	_, err := c.roundTrip(Request{Kind: ReqSubscribeLogs})
	return err
}

// Unsubscribe stops all pushes on this connection.
func (c *Client) Unsubscribe() error {
	_, err := c.roundTrip(Request{Kind: ReqUnsubscribe})
	return err
}

// Next blocks for the next pushed frame. Callers use it after a
// Subscribe call; request/response traffic must stop while reading.
func (c *Client) Next() (*Response, error) {
	var resp Response
	if err := ReadFrame(c.conn, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DecodeStatus unpacks a status push payload.
func DecodeStatus(resp *Response) (*StatusSnapshot, error) {
	if resp.Kind != RespStatus {
		return nil, fmt.Errorf("frame %q is not a status push", resp.Kind)
	}
	var snap StatusSnapshot
	if err := json.Unmarshal(resp.Payload, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// DecodeLog unpacks a log push payload.
func DecodeLog(resp *Response) (string, error) {
	if resp.Kind != RespLog {
		return "", fmt.Errorf("frame %q is not a log push", resp.Kind)
	}
	var chunk string
	if err := json.Unmarshal(resp.Payload, &chunk); err != nil {
		return "", err
	}
	return chunk, nil
}

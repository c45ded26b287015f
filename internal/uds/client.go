package uds

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// CommandError is a failure reported by the daemon, carrying the protocol
// error code so callers can branch on NOT_FOUND vs CAPACITY and so on.
type CommandError struct {
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Client talks to the coordinator daemon over its control socket. The typed
// command methods unwrap the response envelope; Send and SendCommand remain
// available for raw access.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}
}

func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

func (c *Client) Send(req *Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to connect to daemon at %s: %w\n"+
				"Is the daemon running? Start it with: ringmaster daemon",
			c.socketPath, err,
		)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &resp, nil
}

func (c *Client) SendCommand(command string, params any) (*Response, error) {
	req, err := NewRequest(command, params)
	if err != nil {
		return nil, err
	}
	return c.Send(req)
}

// call sends a command and decodes the payload into out (when non-nil).
// Daemon-reported failures come back as *CommandError.
func (c *Client) call(command string, params, out any) error {
	resp, err := c.SendCommand(command, params)
	if err != nil {
		return err
	}
	if !resp.Success {
		if resp.Error == nil {
			return &CommandError{Code: ErrCodeInternal, Message: "daemon returned failure without detail"}
		}
		return &CommandError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("decode %s response: %w", command, err)
		}
	}
	return nil
}

// Status returns the daemon's board counts and scheduler snapshot.
func (c *Client) Status() (*StatusData, error) {
	var data StatusData
	if err := c.call(CommandStatus, nil, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// Promote asks the daemon to move a failed task into the fix pool.
func (c *Client) Promote(taskID string) error {
	return c.call(CommandPromote, PromoteParams{TaskID: taskID}, nil)
}

// Scan requests an immediate scheduling pass.
func (c *Client) Scan() error {
	return c.call(CommandScan, nil, nil)
}

// Version returns the daemon's build and protocol identity.
func (c *Client) Version() (*VersionData, error) {
	var data VersionData
	if err := c.call(CommandVersion, nil, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

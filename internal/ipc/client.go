package ipc

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// Client is a control-channel client for evremapctl.
type Client struct {
	conn      net.Conn
	timeout   time.Duration
	requestID atomic.Uint32
}

// Dial connects to the daemon's control socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	return &Client{conn: conn, timeout: 5 * time.Second}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// roundTrip sends a request and reads the matching response.
func (c *Client) roundTrip(msgType MessageType, payload []byte) (*Message, error) {
	id := c.requestID.Add(1)
	req := NewMessage(msgType, id, payload)

	c.conn.SetDeadline(time.Now().Add(c.timeout))
	if err := req.Write(c.conn); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	resp, err := ReadMessage(c.conn)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.Header.RequestID != id {
		return nil, fmt.Errorf("response id mismatch: got %d, want %d", resp.Header.RequestID, id)
	}
	if resp.Header.Type == MsgError {
		var errResp ErrorResponse
		if err := Decode(resp.Payload, &errResp); err != nil {
			return nil, fmt.Errorf("malformed error response")
		}
		return nil, fmt.Errorf("daemon error %d: %s", errResp.Code, errResp.Message)
	}
	return resp, nil
}

// Ping checks that the daemon is alive.
func (c *Client) Ping() error {
	resp, err := c.roundTrip(MsgPing, nil)
	if err != nil {
		return err
	}
	if resp.Header.Type != MsgPong {
		return fmt.Errorf("unexpected response type: 0x%04x", uint16(resp.Header.Type))
	}
	return nil
}

// Status fetches daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	resp, err := c.roundTrip(MsgStatusRequest, nil)
	if err != nil {
		return nil, err
	}
	var status StatusResponse
	if err := Decode(resp.Payload, &status); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &status, nil
}

// ListDevices fetches the attached input devices.
func (c *Client) ListDevices() (*ListDevicesResponse, error) {
	resp, err := c.roundTrip(MsgListDevices, nil)
	if err != nil {
		return nil, err
	}
	var list ListDevicesResponse
	if err := Decode(resp.Payload, &list); err != nil {
		return nil, fmt.Errorf("decode device list: %w", err)
	}
	return &list, nil
}

// Shutdown asks the daemon to exit.
func (c *Client) Shutdown() error {
	resp, err := c.roundTrip(MsgShutdown, nil)
	if err != nil {
		return err
	}
	var ack ShutdownResponse
	if err := Decode(resp.Payload, &ack); err != nil {
		return fmt.Errorf("decode shutdown response: %w", err)
	}
	if !ack.Success {
		return fmt.Errorf("daemon refused shutdown")
	}
	return nil
}

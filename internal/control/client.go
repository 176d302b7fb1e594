package control

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/modlink/modlink/internal/protocol"
)

// queryTimeout bounds status and cache requests. Session requests have no
// deadline because a patch can take minutes.
const queryTimeout = 30 * time.Second

type Client struct {
	socketPath string
}

func NewClient(socketPath string) *Client {
	if socketPath == "" {
		socketPath = DefaultSocketPath()
	}
	return &Client{socketPath: socketPath}
}

// Available reports whether a daemon is accepting connections.
func (c *Client) Available() bool {
	conn, err := net.DialTimeout("unix", c.socketPath, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func dial(socketPath string, req Request, timeout time.Duration) (net.Conn, *bufio.Scanner, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to daemon: %w (is the daemon running?)", err)
	}

	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	data, err := json.Marshal(req)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("marshaling request: %w", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("writing request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	return conn, scanner, nil
}

func roundTrip[T any](socketPath string, req Request) (*T, error) {
	conn, scanner, err := dial(socketPath, req, queryTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if !scanner.Scan() {
		return nil, fmt.Errorf("reading response: connection closed")
	}

	var resp T
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}

	return &resp, nil
}

// stream sends req and hands log frames to observe until the final result
// or error frame, which it returns.
func stream(socketPath string, req Request, observe protocol.Observer) (*Frame, error) {
	conn, scanner, err := dial(socketPath, req, 0)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	for scanner.Scan() {
		var frame Frame
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			return nil, fmt.Errorf("parsing frame: %w", err)
		}
		switch frame.Type {
		case FrameLog:
			if frame.Log != nil && observe != nil {
				observe(*frame.Log)
			}
		case FrameResult:
			return &frame, nil
		case FrameError:
			return nil, frameError(frame)
		default:
			return nil, fmt.Errorf("unexpected frame type %q from daemon", frame.Type)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading from daemon: %w", err)
	}
	return nil, errors.New("daemon closed the connection without a result")
}

// frameError rebuilds a classified failure so callers can still branch
// on the failure kind with errors.Is.
func frameError(f Frame) error {
	if kind, ok := protocol.KindByName(f.Kind); ok {
		return &protocol.Error{Kind: kind, Msg: f.Error}
	}
	return fmt.Errorf("daemon: %s", f.Error)
}

// Run executes req on the daemon's device. Agent log events are passed to
// observe as they arrive.
func (c *Client) Run(req protocol.Request, observe protocol.Observer) (protocol.Terminal, error) {
	frame, err := protocol.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	res, err := stream(c.socketPath, Request{
		Version: ProtocolVersion,
		Type:    RequestRun,
		Agent:   json.RawMessage(frame[:len(frame)-1]),
	}, observe)
	if err != nil {
		return nil, err
	}

	resp, err := protocol.DecodeResponse(res.Result)
	if err != nil {
		return nil, err
	}
	term, ok := resp.(protocol.Terminal)
	if !ok {
		return nil, protocol.ProtocolError(nil, "daemon returned non-terminal %s", protocol.ResponseType(resp))
	}
	return term, nil
}

// Provision asks the daemon to install the agent if it is stale.
func (c *Client) Provision(observe protocol.Observer) (bool, error) {
	res, err := stream(c.socketPath, Request{
		Version: ProtocolVersion,
		Type:    RequestProvision,
	}, observe)
	if err != nil {
		return false, err
	}
	return res.Installed, nil
}

func (c *Client) Status() (*StatusResponse, error) {
	return roundTrip[StatusResponse](c.socketPath, Request{
		Version: ProtocolVersion,
		Type:    RequestStatus,
	})
}

func (c *Client) CacheStats() (*CacheStatsResponse, error) {
	return roundTrip[CacheStatsResponse](c.socketPath, Request{
		Version: ProtocolVersion,
		Type:    RequestCacheStats,
	})
}

func (c *Client) CacheClear() (*CacheClearResponse, error) {
	return roundTrip[CacheClearResponse](c.socketPath, Request{
		Version: ProtocolVersion,
		Type:    RequestCacheClear,
	})
}

package escalation

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Client is the in-sandbox side of the escalation protocol: it opens a
// fresh stream-socket session against the host's control socket for each
// request, per spec.md §4.3.
type Client struct {
	control *net.UnixConn
}

// NewClient wraps the child's end of the control datagram socket.
func NewClient(control *net.UnixConn) *Client {
	return &Client{control: control}
}

// Session is one open escalation request/response exchange.
type Session struct {
	conn *net.UnixConn
}

// Open starts a new session: creates a stream socketpair, keeps one end,
// and hands the other to the host over the control socket, then sends the
// EscalateRequest and returns the host's EscalateResponse.
func (c *Client) Open(req EscalateRequest) (*Session, EscalateResponse, error) {
	local, remote, err := newSocketPair(unix.SOCK_STREAM)
	if err != nil {
		return nil, EscalateResponse{}, err
	}

	remoteFile, err := remote.File()
	if err != nil {
		remote.Close()
		local.Close()
		return nil, EscalateResponse{}, fmt.Errorf("escalation: dup stream fd: %w", err)
	}
	defer remoteFile.Close()
	remote.Close()

	if err := sendFrame(c.control, struct{}{}, []int{int(remoteFile.Fd())}); err != nil {
		local.Close()
		return nil, EscalateResponse{}, fmt.Errorf("escalation: handshake: %w", err)
	}

	if err := sendFrame(local, req, nil); err != nil {
		local.Close()
		return nil, EscalateResponse{}, fmt.Errorf("escalation: send request: %w", err)
	}

	var resp EscalateResponse
	if _, err := recvFrame(local, &resp); err != nil {
		local.Close()
		return nil, EscalateResponse{}, fmt.Errorf("escalation: receive response: %w", err)
	}

	return &Session{conn: local}, resp, nil
}

// SuperExec sends the SuperExecMessage (with ancillary fds) and waits for
// the SuperExecResult. Only valid after Open returned an ActionEscalate
// response.
func (s *Session) SuperExec(dstFds []int32, ancillaryFds []int) (SuperExecResult, error) {
	if err := sendFrame(s.conn, SuperExecMessage{Fds: dstFds}, ancillaryFds); err != nil {
		return SuperExecResult{}, fmt.Errorf("escalation: send SuperExecMessage: %w", err)
	}
	var result SuperExecResult
	if _, err := recvFrame(s.conn, &result); err != nil {
		return SuperExecResult{}, fmt.Errorf("escalation: receive SuperExecResult: %w", err)
	}
	return result, nil
}

// Close releases the session's stream socket.
func (s *Session) Close() error {
	return s.conn.Close()
}

package escalation

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

func namedFile(fd int, name string) *os.File {
	return os.NewFile(uintptr(fd), name)
}

// maxFrameSize bounds a single control message. The escalation protocol
// only ever carries small fixed messages (argv, env, exit codes), never
// bulk data, so one recvmsg call is sufficient to capture a whole frame
// together with any ancillary file descriptors sent alongside it.
const maxFrameSize = 1 << 20

const maxAncillaryFds = 64

// sendFrame marshals v as length-prefixed JSON and writes it in a single
// sendmsg call, attaching fds as SCM_RIGHTS ancillary data when non-empty.
func sendFrame(conn *net.UnixConn, v any, fds []int) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("escalation: marshal: %w", err)
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)

	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	n, _, err := conn.WriteMsgUnix(frame, oob, nil)
	if err != nil {
		return fmt.Errorf("escalation: sendmsg: %w", err)
	}
	if n != len(frame) {
		return fmt.Errorf("escalation: short write %d/%d bytes", n, len(frame))
	}
	return nil
}

// recvFrame reads one frame (and any ancillary fds sent with it) in a
// single recvmsg call and unmarshals the payload into v (which may be nil
// to discard the payload).
func recvFrame(conn *net.UnixConn, v any) ([]int, error) {
	buf := make([]byte, maxFrameSize)
	oob := make([]byte, unix.CmsgSpace(maxAncillaryFds*4))

	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, fmt.Errorf("escalation: recvmsg: %w", err)
	}
	if n < 4 {
		return nil, fmt.Errorf("escalation: short frame (%d bytes)", n)
	}
	length := binary.BigEndian.Uint32(buf[:4])
	if int(length) > n-4 {
		return nil, fmt.Errorf("escalation: truncated frame: declared %d, have %d", length, n-4)
	}
	if v != nil {
		if err := json.Unmarshal(buf[4:4+int(length)], v); err != nil {
			return nil, fmt.Errorf("escalation: unmarshal: %w", err)
		}
	}

	var fds []int
	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return nil, fmt.Errorf("escalation: parse control message: %w", err)
		}
		for _, cmsg := range cmsgs {
			rights, err := unix.ParseUnixRights(&cmsg)
			if err != nil {
				continue
			}
			fds = append(fds, rights...)
		}
	}
	return fds, nil
}

// newSocketPair creates a connected pair of AF_UNIX sockets of the given
// type (unix.SOCK_STREAM or unix.SOCK_DGRAM), returned as *net.UnixConn.
func newSocketPair(sockType int) (*net.UnixConn, *net.UnixConn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, sockType, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("escalation: socketpair: %w", err)
	}
	a, err := fdToUnixConn(fds[0])
	if err != nil {
		return nil, nil, err
	}
	b, err := fdToUnixConn(fds[1])
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, b, nil
}

func fdToUnixConn(fd int) (*net.UnixConn, error) {
	f := namedFile(fd, "escalation-socket")
	defer f.Close()
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("escalation: FileConn: %w", err)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("escalation: unexpected conn type %T", conn)
	}
	return uc, nil
}

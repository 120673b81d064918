// Package ipcsock implements the daemon's transport: a single
// bidirectional connection to an `ipc://` address, dialled as a client,
// carrying one flow-mapping-like text document per message. The
// reference implementation used a ZeroMQ PAIR socket's adaptive timeout
// options; no ZeroMQ binding exists to build on here, so the same
// contract (1 s send timeout, 0/10 ms adaptive receive, linger-0 close)
// is reproduced over a Unix-domain stream socket, with a dedicated reader
// goroutine feeding a channel so the event loop's receive never blocks
// the underlying syscall longer than the caller asks for.
package ipcsock

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/apartd/apartd/pkg/alog"
)

const (
	addressPrefix = "ipc://"
	sendTimeout   = 1 * time.Second
	docTerminator = "...\n"
)

// BusyTimeout and IdleTimeout are the two receive timeouts the event loop
// alternates between: 0 when the previous iteration did work, 10 ms when
// it was idle.
const (
	BusyTimeout = 0
	IdleTimeout = 10 * time.Millisecond
)

// Address validates and strips the `ipc://` prefix required of the CLI's
// socket address argument.
func Address(raw string) (string, error) {
	if !strings.HasPrefix(raw, addressPrefix) {
		return "", fmt.Errorf("address must begin with %q", addressPrefix)
	}
	return strings.TrimPrefix(raw, addressPrefix), nil
}

// Conn is one dialled connection to the peer.
type Conn struct {
	conn     net.Conn
	incoming chan []byte
	errCh    chan error
}

// Dial connects to addr (an `ipc://`-prefixed Unix-domain socket path) as
// a client and starts the background reader.
func Dial(addr string) (*Conn, error) {
	path, err := Address(addr)
	if err != nil {
		return nil, err
	}

	nc, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("dialing %v: %w", addr, err)
	}

	c := &Conn{
		conn:     nc,
		incoming: make(chan []byte, 16),
		errCh:    make(chan error, 1),
	}
	go c.readLoop()

	return c, nil
}

func (c *Conn) readLoop() {
	r := bufio.NewReader(c.conn)
	var buf bytes.Buffer

	for {
		line, err := r.ReadString('\n')
		if line != "" {
			if strings.TrimRight(line, "\n") == "..." {
				msg := make([]byte, buf.Len())
				copy(msg, buf.Bytes())
				buf.Reset()
				c.incoming <- msg
			} else {
				buf.WriteString(line)
			}
		}
		if err != nil {
			c.errCh <- err
			return
		}
	}
}

// Send writes one message, appending the document terminator, failing if
// it cannot be written within the 1 s send timeout.
func (c *Conn) Send(msg string) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(sendTimeout)); err != nil {
		return err
	}
	_, err := c.conn.Write([]byte(msg + docTerminator))
	return err
}

// TryRecv waits up to timeout for one complete message. A zero timeout
// polls without blocking. The returned bool reports whether a message was
// available; a non-nil error is always fatal: the underlying connection
// is no longer usable.
func (c *Conn) TryRecv(timeout time.Duration) ([]byte, bool, error) {
	if timeout <= 0 {
		select {
		case msg := <-c.incoming:
			return msg, true, nil
		case err := <-c.errCh:
			return nil, false, err
		default:
			return nil, false, nil
		}
	}

	select {
	case msg := <-c.incoming:
		return msg, true, nil
	case err := <-c.errCh:
		return nil, false, err
	case <-time.After(timeout):
		return nil, false, nil
	}
}

// Close shuts the connection down. Any send/receive in flight is
// abandoned immediately, matching a linger-0 close.
func (c *Conn) Close() error {
	if err := c.conn.Close(); err != nil {
		alog.Debug("ipcsock: close: %v", err)
		return err
	}
	return nil
}

package detector

import (
	"context"
	"net"
	"strconv"
	"time"
)

const DefaultPortTimeout = time.Second

// TCPChecker dials 127.0.0.1:<port> with a bounded timeout.
type TCPChecker struct {
	Timeout time.Duration
}

func (c TCPChecker) Listening(ctx context.Context, port int) bool {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultPortTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

package stomp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidHeartBeat = errors.New("stomp: invalid heart-beat header")

// FormatHeartBeat renders the heart-beat header value "<send>,<expect>" in milliseconds.
func FormatHeartBeat(send, expect time.Duration) string {
	return strconv.FormatInt(send.Milliseconds(), 10) + "," + strconv.FormatInt(expect.Milliseconds(), 10)
}

func ParseHeartBeat(raw string) (send, expect time.Duration, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidHeartBeat, raw)
	}
	cx, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || cx < 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidHeartBeat, raw)
	}
	cy, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil || cy < 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidHeartBeat, raw)
	}
	return time.Duration(cx) * time.Millisecond, time.Duration(cy) * time.Millisecond, nil
}

// NegotiateHeartBeat applies the STOMP 1.2 rules to the client's CONNECT values and the
// server's CONNECTED values. A zero result means that direction is disabled.
func NegotiateHeartBeat(clientSend, clientExpect, serverSend, serverExpect time.Duration) (send, expect time.Duration) {
	if clientSend > 0 && serverExpect > 0 {
		send = max(clientSend, serverExpect)
	}
	if clientExpect > 0 && serverSend > 0 {
		expect = max(clientExpect, serverSend)
	}
	return send, expect
}

package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	CmdConnect     = "CONNECT"
	CmdStomp       = "STOMP"
	CmdConnected   = "CONNECTED"
	CmdSend        = "SEND"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdMessage     = "MESSAGE"
	CmdReceipt     = "RECEIPT"
	CmdError       = "ERROR"
	CmdDisconnect  = "DISCONNECT"
)

const (
	HdrAcceptVersion = "accept-version"
	HdrVersion       = "version"
	HdrHost          = "host"
	HdrHeartBeat     = "heart-beat"
	HdrSession       = "session"
	HdrServer        = "server"
	HdrID            = "id"
	HdrDestination   = "destination"
	HdrSubscription  = "subscription"
	HdrMessageID     = "message-id"
	HdrAck           = "ack"
	HdrReceipt       = "receipt"
	HdrReceiptID     = "receipt-id"
	HdrContentType   = "content-type"
	HdrContentLength = "content-length"
	HdrMessage       = "message"
)

var (
	ErrEmptyFrame      = errors.New("stomp: empty frame")
	ErrUnknownCommand  = errors.New("stomp: unknown command")
	ErrMalformedHeader = errors.New("stomp: malformed header")
	ErrMissingNull     = errors.New("stomp: frame missing NULL terminator")
	ErrFrameTooLarge   = errors.New("stomp: frame too large")
	ErrTooManyHeaders  = errors.New("stomp: too many headers")
	ErrInvalidLength   = errors.New("stomp: invalid content-length")
)

var knownCommands = map[string]struct{}{
	CmdConnect: {}, CmdStomp: {}, CmdConnected: {}, CmdSend: {}, CmdSubscribe: {},
	CmdUnsubscribe: {}, CmdMessage: {}, CmdReceipt: {}, CmdError: {}, CmdDisconnect: {},
}

// Header is one STOMP header line. Order is preserved; repeated keys keep the first value.
type Header struct {
	Key   string
	Value string
}

// Frame is one STOMP frame.
type Frame struct {
	Command string
	Headers []Header
	Body    []byte
}

// Limits constrains decode memory use.
type Limits struct {
	MaxFrameBytes int
	MaxHeaders    int
}

func DefaultLimits() Limits {
	return Limits{
		MaxFrameBytes: 1024 * 1024,
		MaxHeaders:    64,
	}
}

func NewFrame(command string, kv ...string) Frame {
	f := Frame{Command: command}
	for i := 0; i+1 < len(kv); i += 2 {
		f.Headers = append(f.Headers, Header{Key: kv[i], Value: kv[i+1]})
	}
	return f
}

func (f Frame) Get(key string) (string, bool) {
	for _, h := range f.Headers {
		if h.Key == key {
			return h.Value, true
		}
	}
	return "", false
}

func (f *Frame) Set(key, value string) {
	for i := range f.Headers {
		if f.Headers[i].Key == key {
			f.Headers[i].Value = value
			return
		}
	}
	f.Headers = append(f.Headers, Header{Key: key, Value: value})
}

// IsHeartbeat reports whether data is only EOL bytes.
func IsHeartbeat(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	for _, b := range data {
		if b != '\n' && b != '\r' {
			return false
		}
	}
	return true
}

// Heartbeat is the single EOL heartbeat payload.
func Heartbeat() []byte {
	return []byte{'\n'}
}

func Encode(f Frame) ([]byte, error) {
	if _, ok := knownCommands[f.Command]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, f.Command)
	}
	escape := escapesHeaders(f.Command)
	var buf bytes.Buffer
	buf.WriteString(f.Command)
	buf.WriteByte('\n')
	wroteLength := false
	for _, h := range f.Headers {
		if h.Key == HdrContentLength {
			wroteLength = true
		}
		if escape {
			buf.WriteString(escapeHeader(h.Key))
			buf.WriteByte(':')
			buf.WriteString(escapeHeader(h.Value))
		} else {
			buf.WriteString(h.Key)
			buf.WriteByte(':')
			buf.WriteString(h.Value)
		}
		buf.WriteByte('\n')
	}
	if len(f.Body) > 0 && !wroteLength {
		buf.WriteString(HdrContentLength)
		buf.WriteByte(':')
		buf.WriteString(strconv.Itoa(len(f.Body)))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes(), nil
}

// Decode parses every frame in data. Leading and trailing EOLs (heartbeats) are skipped,
// so a heartbeat-only message decodes to zero frames.
func Decode(data []byte, limits Limits) ([]Frame, error) {
	if limits.MaxFrameBytes > 0 && len(data) > limits.MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	var out []Frame
	rest := data
	for {
		rest = trimEOL(rest)
		if len(rest) == 0 {
			return out, nil
		}
		f, n, err := decodeOne(rest, limits)
		if err != nil {
			return out, err
		}
		out = append(out, f)
		rest = rest[n:]
	}
}

func decodeOne(data []byte, limits Limits) (Frame, int, error) {
	line, pos, ok := nextLine(data, 0)
	if !ok {
		return Frame{}, 0, ErrMissingNull
	}
	cmd := string(line)
	if cmd == "" {
		return Frame{}, 0, ErrEmptyFrame
	}
	if _, known := knownCommands[cmd]; !known {
		return Frame{}, 0, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
	f := Frame{Command: cmd}
	escape := escapesHeaders(cmd)
	for {
		line, next, ok := nextLine(data, pos)
		if !ok {
			return Frame{}, 0, ErrMissingNull
		}
		pos = next
		if len(line) == 0 {
			break
		}
		if limits.MaxHeaders > 0 && len(f.Headers) >= limits.MaxHeaders {
			return Frame{}, 0, ErrTooManyHeaders
		}
		idx := bytes.IndexByte(line, ':')
		if idx <= 0 {
			return Frame{}, 0, fmt.Errorf("%w: %q", ErrMalformedHeader, string(line))
		}
		key, value := string(line[:idx]), string(line[idx+1:])
		if escape {
			var err error
			if key, err = unescapeHeader(key); err != nil {
				return Frame{}, 0, err
			}
			if value, err = unescapeHeader(value); err != nil {
				return Frame{}, 0, err
			}
		}
		f.Headers = append(f.Headers, Header{Key: key, Value: value})
	}

	if raw, ok := f.Get(HdrContentLength); ok {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || n < 0 {
			return Frame{}, 0, fmt.Errorf("%w: %q", ErrInvalidLength, raw)
		}
		end := pos + n
		if end >= len(data) || data[end] != 0 {
			return Frame{}, 0, ErrMissingNull
		}
		f.Body = append([]byte(nil), data[pos:end]...)
		return f, end + 1, nil
	}
	end := bytes.IndexByte(data[pos:], 0)
	if end < 0 {
		return Frame{}, 0, ErrMissingNull
	}
	if end > 0 {
		f.Body = append([]byte(nil), data[pos:pos+end]...)
	}
	return f, pos + end + 1, nil
}

// nextLine returns the line starting at pos without its EOL (LF or CRLF).
func nextLine(data []byte, pos int) ([]byte, int, bool) {
	idx := bytes.IndexByte(data[pos:], '\n')
	if idx < 0 {
		return nil, 0, false
	}
	line := data[pos : pos+idx]
	line = bytes.TrimSuffix(line, []byte{'\r'})
	return line, pos + idx + 1, true
}

func trimEOL(data []byte) []byte {
	i := 0
	for i < len(data) && (data[i] == '\n' || data[i] == '\r') {
		i++
	}
	return data[i:]
}

// CONNECT and CONNECTED frames never escape header octets.
func escapesHeaders(cmd string) bool {
	return cmd != CmdConnect && cmd != CmdConnected
}

var headerEscaper = strings.NewReplacer(`\`, `\\`, "\r", `\r`, "\n", `\n`, ":", `\c`)

func escapeHeader(s string) string {
	return headerEscaper.Replace(s)
}

func unescapeHeader(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(s) {
			return "", fmt.Errorf("%w: dangling escape", ErrMalformedHeader)
		}
		i++
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		case 'c':
			b.WriteByte(':')
		default:
			return "", fmt.Errorf("%w: invalid escape \\%c", ErrMalformedHeader, s[i])
		}
	}
	return b.String(), nil
}

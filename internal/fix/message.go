// Package fix implements a minimal FIX 4.4 order-entry session: tag=value
// codec, stream framing, logon signing, heartbeats and order messages.
package fix

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rickgao/venuelink/internal/retry"
)

// SOH separates fields on the wire.
const SOH = '\x01'

// BeginString is the protocol version carried in tag 8.
const BeginString = "FIX.4.4"

// SendingTimeLayout formats tag 52 and parses tag 60.
const SendingTimeLayout = "20060102-15:04:05.000"

// Tags used by the session.
const (
	TagBeginString     = 8
	TagBodyLength      = 9
	TagCheckSum        = 10
	TagClOrdID         = 11
	TagCumQty          = 14
	TagExecID          = 17
	TagLastPx          = 31
	TagLastQty         = 32
	TagMsgSeqNum       = 34
	TagMsgType         = 35
	TagOrderID         = 37
	TagOrderQty        = 38
	TagOrdStatus       = 39
	TagOrdType         = 40
	TagOrigClOrdID     = 41
	TagPrice           = 44
	TagRefSeqNum       = 45
	TagSenderCompID    = 49
	TagSide            = 54
	TagSymbol          = 55
	TagTargetCompID    = 56
	TagSendingTime     = 52
	TagText            = 58
	TagTimeInForce     = 59
	TagTransactTime    = 60
	TagRawDataLength   = 95
	TagRawData         = 96
	TagEncryptMethod   = 98
	TagHeartBtInt      = 108
	TagTestReqID       = 112
	TagResetSeqNumFlag = 141
	TagExecType        = 150
	TagUsername        = 553
	TagMessageHandling = 25035
)

// Message types.
const (
	MsgTypeHeartbeat          = "0"
	MsgTypeTestRequest        = "1"
	MsgTypeReject             = "3"
	MsgTypeLogout             = "5"
	MsgTypeExecutionReport    = "8"
	MsgTypeLogon              = "A"
	MsgTypeNews               = "B"
	MsgTypeNewOrderSingle     = "D"
	MsgTypeOrderCancelRequest = "F"
)

// Field is one tag=value pair.
type Field struct {
	Tag   int
	Value string
}

// Message is an ordered list of fields.
type Message []Field

// Get returns the first value for tag.
func (m Message) Get(tag int) (string, bool) {
	for _, f := range m {
		if f.Tag == tag {
			return f.Value, true
		}
	}
	return "", false
}

// Value returns the first value for tag, or "".
func (m Message) Value(tag int) string {
	v, _ := m.Get(tag)
	return v
}

// Type returns MsgType (35).
func (m Message) Type() string {
	return m.Value(TagMsgType)
}

// String renders the message with '|' in place of SOH.
func (m Message) String() string {
	var b strings.Builder
	for _, f := range m {
		b.WriteString(strconv.Itoa(f.Tag))
		b.WriteByte('=')
		b.WriteString(f.Value)
		b.WriteByte('|')
	}
	return b.String()
}

// Encode frames body as 8=FIX.4.4|9=<len>|body|10=<checksum>|. BodyLength
// counts body bytes only; the checksum covers everything before tag 10.
func Encode(body Message) []byte {
	var payload bytes.Buffer
	for _, f := range body {
		payload.WriteString(strconv.Itoa(f.Tag))
		payload.WriteByte('=')
		payload.WriteString(f.Value)
		payload.WriteByte(SOH)
	}

	var out bytes.Buffer
	out.Grow(payload.Len() + 32)
	fmt.Fprintf(&out, "%d=%s%c%d=%d%c", TagBeginString, BeginString, SOH, TagBodyLength, payload.Len(), SOH)
	out.Write(payload.Bytes())
	fmt.Fprintf(&out, "%d=%03d%c", TagCheckSum, Checksum(out.Bytes()), SOH)
	return out.Bytes()
}

// Checksum is the byte sum of b modulo 256.
func Checksum(b []byte) int {
	var sum int
	for _, c := range b {
		sum += int(c)
	}
	return sum % 256
}

// Decode splits a complete frame into fields and verifies its framing,
// body length and checksum.
func Decode(frame []byte) (Message, error) {
	if len(frame) == 0 || frame[len(frame)-1] != SOH {
		return nil, protocolError("frame not SOH terminated", nil)
	}

	var msg Message
	for _, raw := range bytes.Split(frame[:len(frame)-1], []byte{SOH}) {
		eq := bytes.IndexByte(raw, '=')
		if eq <= 0 {
			return nil, protocolError(fmt.Sprintf("malformed field %q", raw), nil)
		}
		tag, err := strconv.Atoi(string(raw[:eq]))
		if err != nil {
			return nil, protocolError(fmt.Sprintf("bad tag %q", raw[:eq]), err)
		}
		msg = append(msg, Field{Tag: tag, Value: string(raw[eq+1:])})
	}

	if len(msg) < 4 || msg[0].Tag != TagBeginString || msg[1].Tag != TagBodyLength || msg[len(msg)-1].Tag != TagCheckSum {
		return nil, protocolError("missing 8/9/10 envelope", nil)
	}

	trailer := bytes.LastIndex(frame, []byte{SOH, '1', '0', '='}) + 1
	want, err := strconv.Atoi(msg[len(msg)-1].Value)
	if err != nil {
		return nil, protocolError("bad checksum value", err)
	}
	if got := Checksum(frame[:trailer]); got != want {
		return nil, protocolError(fmt.Sprintf("checksum %03d, frame says %03d", got, want), nil)
	}

	bodyStart := bytes.Index(frame, []byte{SOH, '9', '='}) + 1
	bodyStart += bytes.IndexByte(frame[bodyStart:], SOH) + 1
	bodyLen, err := strconv.Atoi(msg[1].Value)
	if err != nil || bodyLen != trailer-bodyStart {
		return nil, protocolError(fmt.Sprintf("body length %s, measured %d", msg[1].Value, trailer-bodyStart), err)
	}

	return msg, nil
}

// FormatTime renders t in SendingTime form (UTC, millisecond precision).
func FormatTime(t time.Time) string {
	return t.UTC().Format(SendingTimeLayout)
}

// Readable replaces SOH with '|' for logs and tests.
func Readable(b []byte) string {
	return string(bytes.ReplaceAll(b, []byte{SOH}, []byte{'|'}))
}

func protocolError(reason string, err error) error {
	return &retry.ProtocolError{Reason: reason, Err: err}
}

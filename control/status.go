package control

import "time"

// EOT terminates control objects and status replies.
const EOT = 0x04

// Gate is the transfer readiness reported in the status object.
type Gate uint8

const (
	GateNotReady Gate = iota
	GateReady
	GateInvalidSize
)

func (g Gate) String() string {
	switch g {
	case GateReady:
		return "ready"
	case GateInvalidSize:
		return "invalid size"
	default:
		return "not ready"
	}
}

// Status is the snapshot published after every non-arming control object.
type Status struct {
	Time     time.Time
	Firmware string
	Gate     Gate
}

// AppendStatus appends the status object for st to dst, terminated by EOT.
func AppendStatus(dst []byte, st Status) []byte {
	dst = append(dst, "{\n\t\"datetime\":"...)
	dst = appendString(dst, st.Time.Format("2006-01-02 15:04:05"))
	dst = append(dst, ",\n\t\"firmware\":"...)
	dst = appendString(dst, st.Firmware)
	dst = append(dst, ",\n\t\"ota\":"...)
	dst = appendString(dst, st.Gate.String())
	dst = append(dst, "\n}"...)
	return append(dst, EOT)
}

// appendString appends s as a quoted JSON string, dropping
// non-printable bytes.
func appendString(dst []byte, s string) []byte {
	dst = append(dst, '"')
	for i := 0; i < len(s); i++ {
		b := s[i]
		switch b {
		case '"':
			dst = append(dst, '\\', '"')
		case '\\':
			dst = append(dst, '\\', '\\')
		case '\n':
			dst = append(dst, '\\', 'n')
		case '\r':
			dst = append(dst, '\\', 'r')
		case '\t':
			dst = append(dst, '\\', 't')
		default:
			if b >= 32 && b < 127 {
				dst = append(dst, b)
			}
		}
	}
	return append(dst, '"')
}

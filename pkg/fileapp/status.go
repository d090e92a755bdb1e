package fileapp

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Status is the small JSON envelope the server sends back after each
// handshake message: {"code": 200, "msg": "OK - upload"} while setting up
// a transfer, or {"code": 200, "msg": 1048576} when replying with a file
// size for a download.
type Status struct {
	Code int        `json:"code"`
	Msg  *StatusMsg `json:"msg,omitempty"`
}

// StatusMsg is a tagged variant over the two shapes "msg" ever takes on
// the wire: free text, or a byte count. Modeling it this way keeps callers
// from reaching for a type switch on interface{} or json.Number every time
// they read a Status.
type StatusMsg struct {
	text *string
	num  *int64
}

func TextMsg(s string) *StatusMsg { return &StatusMsg{text: &s} }
func NumMsg(n int64) *StatusMsg   { return &StatusMsg{num: &n} }

func (m *StatusMsg) IsText() bool { return m != nil && m.text != nil }
func (m *StatusMsg) IsNum() bool  { return m != nil && m.num != nil }

func (m *StatusMsg) Text() string {
	if m == nil || m.text == nil {
		return ""
	}
	return *m.text
}

func (m *StatusMsg) Num() int64 {
	if m == nil || m.num == nil {
		return 0
	}
	return *m.num
}

func (m StatusMsg) MarshalJSON() ([]byte, error) {
	switch {
	case m.num != nil:
		return json.Marshal(*m.num)
	case m.text != nil:
		return json.Marshal(*m.text)
	default:
		return []byte("null"), nil
	}
}

func (m *StatusMsg) UnmarshalJSON(b []byte) error {
	var n int64
	if err := json.Unmarshal(b, &n); err == nil {
		m.num = &n
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		m.text = &s
		return nil
	}
	return errors.New("fileapp: status msg is neither a number nor a string")
}

// StatusError surfaces a non-200 Status as an error, carrying whatever
// free-form detail the peer sent alongside it (e.g. the "file: x.txt not
// found" line the server appends after a 400).
type StatusError struct {
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return errors.Errorf("fileapp: status %d", e.Code).Error()
	}
	return errors.Errorf("fileapp: status %d: %s", e.Code, e.Detail).Error()
}

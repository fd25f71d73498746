package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID is a JSON-RPC request identifier: a string or a number. The
// original representation is preserved across decode/encode.
type RequestID struct {
	str   string
	num   int64
	isNum bool
}

// NewRequestID returns a string-typed request id.
func NewRequestID(s string) *RequestID {
	return &RequestID{str: s}
}

// NewNumericRequestID returns a number-typed request id.
func NewNumericRequestID(n int64) *RequestID {
	return &RequestID{num: n, isNum: true}
}

// String renders the id for logging.
func (id *RequestID) String() string {
	if id == nil {
		return ""
	}
	if id.isNum {
		return strconv.FormatInt(id.num, 10)
	}
	return id.str
}

func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id.isNum {
		return json.Marshal(id.num)
	}
	return json.Marshal(id.str)
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		id.isNum = false
		return json.Unmarshal(data, &id.str)
	}
	if err := json.Unmarshal(data, &id.num); err != nil {
		return fmt.Errorf("request id must be a string or an integer: %w", err)
	}
	id.isNum = true
	return nil
}

package jrpc2

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
)

type idKind uint8

const (
	idNull idKind = iota
	idNumber
	idString
)

// ID is a JSON-RPC request id: an integer, a string or null.
// The zero value is the null id.
type ID struct {
	kind idKind
	num  int64
	str  string
}

// NullID is the null id. It only appears in error responses to requests whose id could not be read.
var NullID = ID{}

// NumberID returns an integer id.
func NumberID(n int64) ID { return ID{kind: idNumber, num: n} }

// StringID returns a string id.
func StringID(s string) ID { return ID{kind: idString, str: s} }

func (id ID) IsNull() bool   { return id.kind == idNull }
func (id ID) IsNumber() bool { return id.kind == idNumber }
func (id ID) IsString() bool { return id.kind == idString }

// Number returns the integer value and true for integer ids.
func (id ID) Number() (int64, bool) { return id.num, id.kind == idNumber }

// Equal compares ids by JSON equality: 1 and "1" are different ids.
func (id ID) Equal(other ID) bool { return id == other }

// String renders the id the way it appears on the wire.
func (id ID) String() string {
	switch id.kind {
	case idNumber:
		return strconv.FormatInt(id.num, 10)
	case idString:
		return strconv.Quote(id.str)
	default:
		return "null"
	}
}

func (id ID) MarshalJSON() ([]byte, error) {
	switch id.kind {
	case idNumber:
		return strconv.AppendInt(nil, id.num, 10), nil
	case idString:
		return json.Marshal(id.str)
	default:
		return []byte("null"), nil
	}
}

var errBadID = errors.New("id must be an integer, a string or null")

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return errBadID
	}
	switch data[0] {
	case 'n':
		if !bytes.Equal(data, []byte("null")) {
			return errBadID
		}
		*id = NullID
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	default:
		n, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return errBadID
		}
		*id = NumberID(n)
		return nil
	}
}

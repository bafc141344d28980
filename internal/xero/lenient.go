package xero

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Amount decodes a monetary field that Xero may send as a number, a numeric
// string, an empty string or null. Anything unparseable decodes as an
// invalid amount rather than failing the whole page.
type Amount decimal.NullDecimal

func (a *Amount) UnmarshalJSON(data []byte) error {
	*a = Amount{}
	raw := bytes.TrimSpace(data)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	s := string(raw)
	if raw[0] == '"' {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return nil
		}
		s = strings.TrimSpace(str)
	}
	if s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	*a = Amount{Decimal: d, Valid: true}
	return nil
}

// Flag decodes a boolean sent as true/false or as a quoted string. Any other
// value decodes as false.
type Flag bool

func (f *Flag) UnmarshalJSON(data []byte) error {
	*f = false
	raw := bytes.TrimSpace(data)
	s := string(raw)
	if len(raw) > 0 && raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
	}
	if v, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
		*f = Flag(v)
	}
	return nil
}

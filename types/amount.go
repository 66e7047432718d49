package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
)

// Amount is an integer amount in base units. It is encoded as a JSON string so
// values above 2^53 survive every consumer; numbers are accepted on input.
type Amount struct {
	big.Int
}

func NewAmount(v int64) Amount {
	var a Amount
	a.SetInt64(v)
	return a
}

func AmountFromBig(v *big.Int) Amount {
	var a Amount
	if v != nil {
		a.Set(v)
	}
	return a
}

func ParseAmount(s string) (Amount, error) {
	var a Amount
	if _, ok := a.SetString(s, 10); !ok {
		return Amount{}, fmt.Errorf("invalid integer amount %q", s)
	}
	return a, nil
}

func (a Amount) Big() *big.Int {
	return new(big.Int).Set(&a.Int)
}

func (a Amount) Copy() Amount {
	return AmountFromBig(&a.Int)
}

func (a Amount) Equal(b Amount) bool {
	return a.Cmp(&b.Int) == 0
}

func (a Amount) String() string {
	return a.Int.String()
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Int.String())
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		a.SetInt64(0)
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(s)
	}
	if _, ok := a.SetString(string(data), 10); !ok {
		return fmt.Errorf("invalid integer amount %s", data)
	}
	return nil
}

package conf

import (
	"encoding/json"

	"github.com/onideus/gaming-capture/internal/unit"
)

// Codec is the videoCodec parameter.
type Codec unit.Codec

// MarshalJSON implements json.Marshaler.
func (c Codec) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(c))
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Codec) UnmarshalJSON(b []byte) error {
	var in unit.Codec
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*c = Codec(in)
	return nil
}

func (c *Codec) unmarshalEnv(s string) error {
	return c.UnmarshalJSON([]byte(`"` + s + `"`))
}

// ToUnit converts to unit.Codec.
func (c Codec) ToUnit() unit.Codec {
	return unit.Codec(c)
}

package unit

import (
	"encoding/json"
	"fmt"
)

// Codec is a video codec tag.
type Codec string

// supported codecs.
const (
	CodecH264 Codec = "h264"
	CodecHEVC Codec = "hevc"
)

// UnmarshalJSON implements json.Unmarshaler.
func (c *Codec) UnmarshalJSON(b []byte) error {
	var in string
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}

	switch Codec(in) {
	case CodecH264, CodecHEVC:
		*c = Codec(in)

	default:
		return fmt.Errorf("invalid codec: '%s'", in)
	}

	return nil
}

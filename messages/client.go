package messages

import (
	"errors"

	"github.com/bytedance/sonic"
)

var ErrInvalidClientJSON = errors.New("client frame is not valid json")

// UseNumber keeps integer fields such as audio_end_ms exact across the round trip.
var clientJSON = sonic.Config{
	UseNumber:      true,
	SortMapKeys:    true,
	CopyString:     true,
	ValidateString: true,
}.Froze()

// NormalizeClientFrame validates a browser JSON frame and re-encodes it for
// upstream. Browser events (input_audio_buffer.append, response.cancel, ...)
// are passed through without interpretation.
func NormalizeClientFrame(data []byte) ([]byte, error) {
	var v any
	if err := clientJSON.Unmarshal(data, &v); err != nil {
		return nil, errors.Join(ErrInvalidClientJSON, err)
	}
	return clientJSON.Marshal(v)
}

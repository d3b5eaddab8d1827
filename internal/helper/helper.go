package helper

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
)

// ReaderToBuffer reads r into memory up to limit bytes.
// Below the limit it returns the buffered bytes. At or above the limit it
// returns a nil buffer plus a replacement reader that yields the already
// consumed bytes followed by the rest of r, so the caller can keep
// streaming the full payload.
func ReaderToBuffer(r io.Reader, limit int64) ([]byte, io.Reader, error) {
	buf := bytes.NewBuffer(make([]byte, 0))
	lr := io.LimitReader(r, limit)

	_, err := io.Copy(buf, lr)
	if err != nil {
		return nil, nil, err
	}

	if int64(buf.Len()) == limit {
		return nil, io.MultiReader(bytes.NewReader(buf.Bytes()), r), nil
	}

	return buf.Bytes(), nil, nil
}

// NewStructFromFile decodes the JSON file at filename into v.
func NewStructFromFile(filename string, v interface{}) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

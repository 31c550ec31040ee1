package timers

import (
	"bytes"
	"encoding/gob"
)

// GobEncode/GobDecode give Map an explicit wire form for the outbound
// queue crossing the network data channel, since its mutex and map
// fields are unexported and gob otherwise has nothing to encode.

func (m *Map) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m.Snapshot()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *Map) GobDecode(data []byte) error {
	var snap map[string][]Interval
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return err
	}
	m.intervals = snap
	return nil
}

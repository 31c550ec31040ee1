package assoc

import (
	"bytes"
	"encoding/gob"
)

// The types in this package keep their fields unexported for
// encapsulation, but both cross the wire inside netchannel frames —
// GobEncode/GobDecode give each an explicit, stable wire form instead of
// relying on gob's reflection over exported fields (which would see
// nothing to encode).

type filenameAssocWire struct {
	Names   []string
	Entries map[string]Entry
}

func (f *FilenameAssociations) GobEncode() ([]byte, error) {
	w := filenameAssocWire{Names: f.names, Entries: f.entries}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (f *FilenameAssociations) GobDecode(data []byte) error {
	var w filenameAssocWire
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return err
	}
	f.names = w.Names
	f.entries = w.Entries
	if f.entries == nil {
		f.entries = make(map[string]Entry)
	}
	return nil
}

func (e Entry) GobEncode() ([]byte, error) {
	w := struct {
		Single bool
		Path   string
		Paths  []string
	}{Single: e.single, Path: e.path, Paths: e.paths}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *Entry) GobDecode(data []byte) error {
	var w struct {
		Single bool
		Path   string
		Paths  []string
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return err
	}
	e.single, e.path, e.paths = w.Single, w.Path, w.Paths
	return nil
}

type blockAssocSlot struct {
	Name string
	Seq  int
	Arr  *Array // nil if declared-but-unpopulated
}

type blockAssocWire struct {
	Slots      []blockAssocSlot
	NumMissing int
}

func (ba *BlockAssociations) GobEncode() ([]byte, error) {
	w := blockAssocWire{NumMissing: ba.numMissing}
	for k, v := range ba.slots {
		w.Slots = append(w.Slots, blockAssocSlot{Name: k.name, Seq: k.seq, Arr: v})
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (ba *BlockAssociations) GobDecode(data []byte) error {
	var w blockAssocWire
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return err
	}
	ba.slots = make(map[key]*Array, len(w.Slots))
	for _, s := range w.Slots {
		ba.slots[key{s.Name, s.Seq}] = s.Arr
	}
	ba.numMissing = w.NumMissing
	return nil
}

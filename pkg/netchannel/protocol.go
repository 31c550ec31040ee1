// Package netchannel implements NetworkDataChannel: an authenticated
// TCP object broker exposing the init payload, both BlockBuffers, the
// outbound and exception queues, the force-exit event, and the start
// barrier to remote compute workers.
package netchannel

import (
	"encoding/binary"
	"encoding/gob"
	"bytes"
	"fmt"
	"io"
)

// MethodID identifies one RPC exposed by the channel server. Each frame
// carries a 4-byte length prefix, a 2-byte method id, and a
// gob-serialised argument tuple (spec.md's "wire format" section).
type MethodID uint16

const (
	MethodGetInit MethodID = iota
	MethodAddBlockData
	MethodInsertCompleteBlock
	MethodPopCompleteBlock
	MethodPopNextBlock
	MethodPushOutbound
	MethodDrainOutbound
	MethodPushException
	MethodPollException
	MethodSetForceExit
	MethodCheckForceExit
	MethodBarrierWait
)

// frameHeader is the 4-byte length + 2-byte method id preceding every
// gob-encoded argument tuple.
type frameHeader struct {
	Length uint32
	Method MethodID
}

const headerSize = 4 + 2

func writeFrame(w io.Writer, method MethodID, args interface{}) error {
	var body bytes.Buffer
	if args != nil {
		if err := gob.NewEncoder(&body).Encode(args); err != nil {
			return fmt.Errorf("netchannel: encode frame: %w", err)
		}
	}

	header := make([]byte, headerSize)
	binary.BigEndian.PutUint32(header[0:4], uint32(body.Len()))
	binary.BigEndian.PutUint16(header[4:6], uint16(method))

	if _, err := w.Write(header); err != nil {
		return err
	}
	if body.Len() > 0 {
		if _, err := w.Write(body.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

func readFrame(r io.Reader, out interface{}) (MethodID, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, err
	}
	length := binary.BigEndian.Uint32(header[0:4])
	method := MethodID(binary.BigEndian.Uint16(header[4:6]))

	if length == 0 {
		return method, nil
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return method, err
	}
	if out != nil {
		if err := gob.NewDecoder(bytes.NewReader(body)).Decode(out); err != nil {
			return method, fmt.Errorf("netchannel: decode frame: %w", err)
		}
	}
	return method, nil
}

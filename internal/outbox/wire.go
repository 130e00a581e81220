package outbox

import (
	"encoding/binary"
	"errors"
)

// Confluent framing: a zero magic byte, the big-endian schema id, then the payload.
const (
	wireMagic      byte = 0
	wireHeaderSize      = 5
)

// ErrNotWireFormat is returned by DecodeWireFormat for values without Schema Registry framing.
var ErrNotWireFormat = errors.New("payload is not in schema registry wire format")

func encodeWireFormat(schemaID int, payload []byte) []byte {
	frame := make([]byte, wireHeaderSize, wireHeaderSize+len(payload))
	frame[0] = wireMagic
	binary.BigEndian.PutUint32(frame[1:wireHeaderSize], uint32(schemaID))
	return append(frame, payload...)
}

// DecodeWireFormat splits a framed Kafka value into its schema id and payload.
func DecodeWireFormat(value []byte) (int, []byte, error) {
	if len(value) < wireHeaderSize || value[0] != wireMagic {
		return 0, nil, ErrNotWireFormat
	}
	return int(binary.BigEndian.Uint32(value[1:wireHeaderSize])), value[wireHeaderSize:], nil
}

package protocol

import (
	"encoding/binary"
	"fmt"
)

// Binary chunk frame layout: 4-byte big-endian length of the ASCII
// transferId, the transferId bytes, then the chunk payload. Integrity is
// checked end-to-end via the declared sha256, not per chunk.
const (
	chunkHeaderLen = 4

	// MaxTransferIDLen bounds the transferId header. Requesters generate
	// short opaque IDs; anything larger is a malformed frame.
	MaxTransferIDLen = 128

	// ChunkOverhead is the worst-case framing overhead on top of payload.
	ChunkOverhead = chunkHeaderLen + MaxTransferIDLen
)

// EncodeChunk frames a payload slice for one transfer.
func EncodeChunk(transferID string, payload []byte) ([]byte, error) {
	if transferID == "" || len(transferID) > MaxTransferIDLen {
		return nil, fmt.Errorf("encode chunk: transferId length %d out of range", len(transferID))
	}
	frame := make([]byte, chunkHeaderLen+len(transferID)+len(payload))
	binary.BigEndian.PutUint32(frame[:chunkHeaderLen], uint32(len(transferID)))
	copy(frame[chunkHeaderLen:], transferID)
	copy(frame[chunkHeaderLen+len(transferID):], payload)
	return frame, nil
}

// DecodeChunk splits a binary frame into its transferId and payload. The
// payload aliases the input frame; callers forwarding it verbatim must not
// mutate it.
func DecodeChunk(frame []byte) (transferID string, payload []byte, err error) {
	if len(frame) < chunkHeaderLen {
		return "", nil, fmt.Errorf("decode chunk: frame too short (%d bytes)", len(frame))
	}
	idLen := binary.BigEndian.Uint32(frame[:chunkHeaderLen])
	if idLen == 0 || idLen > MaxTransferIDLen {
		return "", nil, fmt.Errorf("decode chunk: transferId length %d out of range", idLen)
	}
	if uint32(len(frame)-chunkHeaderLen) < idLen {
		return "", nil, fmt.Errorf("decode chunk: truncated transferId")
	}
	id := frame[chunkHeaderLen : chunkHeaderLen+int(idLen)]
	for _, c := range id {
		if c < 0x21 || c > 0x7e {
			return "", nil, fmt.Errorf("decode chunk: transferId is not printable ASCII")
		}
	}
	return string(id), frame[chunkHeaderLen+int(idLen):], nil
}

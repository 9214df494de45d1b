package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/birchkv/birch/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency.
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format.
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present.
const (
	hasKey   byte = 1 << 0
	hasValue byte = 1 << 1
	hasOk    byte = 1 << 2
	hasErr   byte = 1 << 3
	hasMeta  byte = 1 << 4
)

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	totalSize := b.sizeBytes(msg)
	result := make([]byte, totalSize)

	result[0] = byte(msg.MsgType)

	var flags byte = 0
	pos := 2 // Start after MsgType and flags

	if msg.Key != "" {
		flags |= hasKey
		keyBytes := []byte(msg.Key)
		keyLen := len(keyBytes)

		binary.BigEndian.PutUint32(result[pos:pos+4], uint32(keyLen))
		pos += 4

		copy(result[pos:pos+keyLen], keyBytes)
		pos += keyLen
	}

	if msg.Value != nil {
		flags |= hasValue
		valueLen := len(msg.Value)

		binary.BigEndian.PutUint32(result[pos:pos+4], uint32(valueLen))
		pos += 4

		if valueLen > 0 {
			copy(result[pos:pos+valueLen], msg.Value)
			pos += valueLen
		}
	}

	if msg.Ok {
		flags |= hasOk
		result[pos] = 1
		pos += 1
	}

	if msg.Err != "" {
		flags |= hasErr
		errBytes := []byte(msg.Err)
		errLen := len(errBytes)

		binary.BigEndian.PutUint32(result[pos:pos+4], uint32(errLen))
		pos += 4

		copy(result[pos:pos+errLen], errBytes)
		pos += errLen
	}

	if msg.Meta != nil {
		flags |= hasMeta
		metaLen := len(msg.Meta)

		binary.BigEndian.PutUint32(result[pos:pos+4], uint32(metaLen))
		pos += 4

		if metaLen > 0 {
			copy(result[pos:pos+metaLen], msg.Meta)
			pos += metaLen
		}
	}

	result[1] = flags

	return result, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	if len(data) < 2 {
		return fmt.Errorf("data too short for message header")
	}

	msg.MsgType = common.MessageType(data[0])
	flags := data[1]
	pos := 2

	if flags&hasKey != 0 {
		if pos+4 > len(data) {
			return fmt.Errorf("data too short for key length")
		}

		keyLen := binary.BigEndian.Uint32(data[pos : pos+4])
		pos += 4

		if pos+int(keyLen) > len(data) {
			return fmt.Errorf("data too short for key data")
		}

		msg.Key = string(data[pos : pos+int(keyLen)])
		pos += int(keyLen)
	} else {
		msg.Key = ""
	}

	if flags&hasValue != 0 {
		if pos+4 > len(data) {
			return fmt.Errorf("data too short for value length")
		}

		valueLen := binary.BigEndian.Uint32(data[pos : pos+4])
		pos += 4

		if pos+int(valueLen) > len(data) {
			return fmt.Errorf("data too short for value data")
		}

		if msg.Value == nil || cap(msg.Value) < int(valueLen) {
			msg.Value = make([]byte, valueLen)
		} else {
			msg.Value = msg.Value[:valueLen]
		}

		if valueLen > 0 {
			copy(msg.Value, data[pos:pos+int(valueLen)])
		}
		pos += int(valueLen)
	} else {
		msg.Value = nil
	}

	if flags&hasOk != 0 {
		if pos+1 > len(data) {
			return fmt.Errorf("data too short for Ok flag")
		}

		msg.Ok = data[pos] != 0
		pos += 1
	} else {
		msg.Ok = false
	}

	if flags&hasErr != 0 {
		if pos+4 > len(data) {
			return fmt.Errorf("data too short for error length")
		}

		errLen := binary.BigEndian.Uint32(data[pos : pos+4])
		pos += 4

		if pos+int(errLen) > len(data) {
			return fmt.Errorf("data too short for error data")
		}

		msg.Err = string(data[pos : pos+int(errLen)])
		pos += int(errLen)
	} else {
		msg.Err = ""
	}

	if flags&hasMeta != 0 {
		if pos+4 > len(data) {
			return fmt.Errorf("data too short for meta length")
		}

		metaLen := binary.BigEndian.Uint32(data[pos : pos+4])
		pos += 4

		if pos+int(metaLen) > len(data) {
			return fmt.Errorf("data too short for meta data")
		}

		if msg.Meta == nil || cap(msg.Meta) < int(metaLen) {
			msg.Meta = make([]byte, metaLen)
		} else {
			msg.Meta = msg.Meta[:metaLen]
		}

		if metaLen > 0 {
			copy(msg.Meta, data[pos:pos+int(metaLen)])
		}
		pos += int(metaLen)
	} else {
		msg.Meta = nil
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes calculates the total size needed for serialization.
func (b binarySerializerImpl) sizeBytes(msg common.Message) int {
	size := 2 // MsgType + flags

	if msg.Key != "" {
		size += 4 + len(msg.Key)
	}
	if msg.Value != nil {
		size += 4 + len(msg.Value)
	}
	if msg.Ok {
		size += 1
	}
	if msg.Err != "" {
		size += 4 + len(msg.Err)
	}
	if msg.Meta != nil {
		size += 4 + len(msg.Meta)
	}

	return size
}

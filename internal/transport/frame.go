package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// 帧格式：4 字节大端长度 + 2 字节大端帧类型 + 消息体
const (
	FrameHeaderSize = 6
	MaxFrameSize    = 1 << 20

	FrameTypeData  uint16 = 1 // JSON 消息信封
	FrameTypeClose uint16 = 2 // 对端关闭
)

// WriteFrame 写入一帧
func WriteFrame(w io.Writer, frameType uint16, body []byte) error {
	if len(body) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(body))
	}
	frame := make([]byte, FrameHeaderSize+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	binary.BigEndian.PutUint16(frame[4:6], frameType)
	copy(frame[FrameHeaderSize:], body)

	_, err := w.Write(frame)
	return err
}

// ReadFrame 读取一帧
func ReadFrame(r io.Reader) (uint16, []byte, error) {
	header := make([]byte, FrameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}

	length := binary.BigEndian.Uint32(header[:4])
	frameType := binary.BigEndian.Uint16(header[4:6])
	if length > MaxFrameSize {
		return 0, nil, fmt.Errorf("frame too large: %d bytes", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return frameType, body, nil
}

package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// 二进制线协议的帧格式：[4字节小端长度][负载]。
// 负载首字节是类型标记：tagJSON 后面是 UTF-8 JSON，tagBinary 后面是
// 原始字节（8 字节大端时间戳 + 定长体）。
const (
	MaxFrameSize = 1 << 20 // 单帧上限，防止恶意长度前缀打爆内存

	tagJSON   byte = 0x01
	tagBinary byte = 0x02
)

var ErrFrameTooLarge = errors.New("frame exceeds size limit")

// ReadFrame 读出一个完整帧的负载（含类型标记字节）。
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(header[:])
	if n == 0 {
		return nil, fmt.Errorf("zero-length frame")
	}
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteFrame 写一个完整帧。
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// jsonFrame / binaryFrame 组装带类型标记的负载。
func jsonFrame(body []byte) []byte {
	out := make([]byte, 0, len(body)+1)
	out = append(out, tagJSON)
	return append(out, body...)
}

func binaryFrame(body []byte) []byte {
	out := make([]byte, 0, len(body)+1)
	out = append(out, tagBinary)
	return append(out, body...)
}

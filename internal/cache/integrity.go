package cache

import (
	"bytes"
	"io"
	"os"
)

// PNGSignature 是 PNG 文件固定的 8 字节魔数。
var PNGSignature = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

// IsValidPNG 只读取文件开头的 8 字节并与 PNG 魔数比对。
// 任何 I/O 错误（包括文件不存在、长度不足）都返回 false，不会向上抛错。
func IsValidPNG(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	header := make([]byte, len(PNGSignature))
	if _, err := io.ReadFull(f, header); err != nil {
		return false
	}
	return bytes.Equal(header, PNGSignature)
}

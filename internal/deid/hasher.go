package deid

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Hasher 是带密钥的 BLAKE2b 哈希。相同密钥下同一输入在不同文件和不同运行之间结果一致。
type Hasher struct {
	key []byte
}

// NewHasher 创建 Hasher。BLAKE2b 的密钥长度上限为 64 字节。
func NewHasher(key string) (*Hasher, error) {
	if len(key) > blake2b.Size {
		return nil, fmt.Errorf("hash key longer than %d bytes", blake2b.Size)
	}
	return &Hasher{key: []byte(key)}, nil
}

func (h *Hasher) sum(value string) []byte {
	mac, err := blake2b.New256(h.key)
	if err != nil {
		// 长度已在 NewHasher 中校验
		panic(err)
	}
	mac.Write([]byte(value))
	return mac.Sum(nil)
}

// Hex 返回大写十六进制摘要，截断为 n 个字符（n<=0 表示不截断）。
func (h *Hasher) Hex(value string, n int) string {
	s := strings.ToUpper(hex.EncodeToString(h.sum(value)))
	if n > 0 && n < len(s) {
		return s[:n]
	}
	return s
}

// UID 把值映射为 2.25.<十进制> 形式的合法 UID，取摘要的前 128 位。
func (h *Hasher) UID(value string) string {
	n := new(big.Int).SetBytes(h.sum(value)[:16])
	return "2.25." + n.String()
}

// Value 按 VR 对单个值做哈希：UI 生成 UID，短字符串类 VR 截断到其长度上限。
func (h *Hasher) Value(vr, value string) string {
	switch vr {
	case "UI":
		return h.UID(value)
	case "SH", "CS", "AE", "DA", "TM", "DT", "AS":
		return h.Hex(value, 16)
	default:
		return h.Hex(value, 32)
	}
}

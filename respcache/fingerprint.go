package respcache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// ContextSignature 请求上下文签名。
// 同样的问题发给不同 persona / 不同语言是不同的指纹，防止跨上下文串话。
type ContextSignature struct {
	Persona  string `json:"persona"`
	Language string `json:"language"`
}

// Normalize 查询文本归一化：小写、标点剥离、空白折叠。
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	lastSpace := true
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			continue
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		default:
			b.WriteRune(r)
			lastSpace = false
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// Fingerprint 计算归一化查询 + 上下文签名的指纹。
// 用作精确匹配键，也用作去重/批处理的请求身份。
func Fingerprint(text string, sig ContextSignature) string {
	h := sha256.New()
	h.Write([]byte(Normalize(text)))
	h.Write([]byte{0})
	h.Write([]byte(sig.Persona))
	h.Write([]byte{0})
	h.Write([]byte(sig.Language))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

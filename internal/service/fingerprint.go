package service

import (
	"bytes"
	"encoding/hex"
	"encoding/json"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint 请求体指纹：JSON 先规范化（键排序、去掉多余空白）再做 BLAKE2b-256，
// 非 JSON 请求体直接对原始字节求哈希。
func Fingerprint(body []byte) string {
	sum := blake2b.Sum256(canonicalJSON(body))
	return hex.EncodeToString(sum[:])
}

func canonicalJSON(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return trimmed
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return body
	}
	// encoding/json 对 map 键按字典序输出
	out, err := json.Marshal(v)
	if err != nil {
		return body
	}
	return out
}

package token

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"
)

// PercentEncode 按 RFC 3986 编码：仅保留 A-Z a-z 0-9 - _ . ~，空格编码为 %20。
func PercentEncode(s string) string {
	encoded := url.QueryEscape(s)
	encoded = strings.ReplaceAll(encoded, "+", "%20")
	encoded = strings.ReplaceAll(encoded, "*", "%2A")
	encoded = strings.ReplaceAll(encoded, "%7E", "~")
	return encoded
}

// CanonicalQuery 按键名字典序排序并编码参数，每个键只取第一个值。
func CanonicalQuery(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(PercentEncode(k))
		b.WriteByte('=')
		b.WriteString(PercentEncode(params.Get(k)))
	}
	return b.String()
}

// StringToSign 构造 GET 请求的待签字符串。
func StringToSign(canonical string) string {
	return "GET&" + PercentEncode("/") + "&" + PercentEncode(canonical)
}

// Sign 对参数做 HMAC-SHA1 签名，密钥为 secret + "&"，返回 base64 编码摘要。
func Sign(params url.Values, secret string) string {
	mac := hmac.New(sha1.New, []byte(secret+"&"))
	mac.Write([]byte(StringToSign(CanonicalQuery(params))))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// SignedQuery 返回附带 Signature 参数的完整查询串。
func SignedQuery(params url.Values, secret string) string {
	return "Signature=" + PercentEncode(Sign(params, secret)) + "&" + CanonicalQuery(params)
}

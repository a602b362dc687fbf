package auth

import (
	"net/http"
	"strings"
)

// 令牌来源
const (
	SourceHeader   = "header"
	SourceProtocol = "handshake"
	SourceQuery    = "query"
)

// ProtocolTokenMarker 浏览器无法为 WebSocket 握手设置请求头，令牌经子协议列表携带：
// Sec-WebSocket-Protocol: access_token, <token>
const ProtocolTokenMarker = "access_token"

// ExtractToken 按优先级提取令牌：Authorization 头 > 握手子协议 > token 查询参数
func ExtractToken(r *http.Request) (token, source string) {
	if t := bearer(r.Header.Get("Authorization")); t != "" {
		return t, SourceHeader
	}
	if t := protocolToken(r.Header.Values("Sec-WebSocket-Protocol")); t != "" {
		return t, SourceProtocol
	}
	if t := strings.TrimSpace(r.URL.Query().Get("token")); t != "" {
		return t, SourceQuery
	}
	return "", ""
}

func bearer(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func protocolToken(values []string) string {
	var parts []string
	for _, v := range values {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
	}
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] == ProtocolTokenMarker {
			return parts[i+1]
		}
	}
	return ""
}

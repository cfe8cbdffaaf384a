package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/appguard-agent/internal/domain"
)

func tcpConnection(c *gin.Context) domain.TCPConnection {
	conn := domain.TCPConnection{Protocol: protocol(c.Request)}
	if ip, port, ok := splitHostPort(c.Request.RemoteAddr); ok {
		conn.SourceIP = &ip
		conn.SourcePort = &port
	}
	if local, ok := c.Request.Context().Value(http.LocalAddrContextKey).(net.Addr); ok && local != nil {
		if ip, port, ok := splitHostPort(local.String()); ok {
			conn.DestinationIP = &ip
			conn.DestinationPort = &port
		}
	}
	return conn
}

func httpRequest(c *gin.Context, tcpInfo *domain.TCPInfo) domain.HTTPRequest {
	return domain.HTTPRequest{
		OriginalURL: c.Request.URL.Path,
		Method:      c.Request.Method,
		Headers:     lowerHeaders(c.Request.Header),
		Query:       flattenQuery(c.Request),
		TCPInfo:     tcpInfo,
	}
}

func httpResponse(status int, header http.Header, tcpInfo *domain.TCPInfo) domain.HTTPResponse {
	return domain.HTTPResponse{
		Code:    uint32(status),
		Headers: lowerHeaders(header),
		TCPInfo: tcpInfo,
	}
}

// cacheKey identifies requests that may share a decision. Only the user
// agent participates among headers; the body is never read.
func cacheKey(c *gin.Context) domain.CacheKey {
	key := domain.CacheKey{
		Path:    c.Request.URL.Path,
		Method:  c.Request.Method,
		Query:   flattenQuery(c.Request),
		Headers: map[string]string{"user-agent": c.Request.UserAgent()},
	}
	if ip, _, ok := splitHostPort(c.Request.RemoteAddr); ok {
		key.SourceIP = ip
	}
	return key
}

func lowerHeaders(header http.Header) map[string]string {
	out := make(map[string]string, len(header))
	for name, values := range header {
		out[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	return out
}

// flattenQuery keeps the last value of repeated parameters.
func flattenQuery(r *http.Request) map[string]string {
	values := r.URL.Query()
	out := make(map[string]string, len(values))
	for name, vs := range values {
		if len(vs) > 0 {
			out[name] = vs[len(vs)-1]
		}
	}
	return out
}

func protocol(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func splitHostPort(addr string) (string, uint32, bool) {
	host, portRaw, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, false
	}
	port, err := strconv.ParseUint(portRaw, 10, 16)
	if err != nil {
		return "", 0, false
	}
	return host, uint32(port), true
}

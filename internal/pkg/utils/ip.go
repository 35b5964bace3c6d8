package utils

import (
	"net"
	"strings"

	"github.com/gin-gonic/gin"
)

// NormalizeIP 标准化IP地址：
// - 若是带端口的地址，去掉端口
// - 若是 X-Forwarded-For 列表，取第一个
// - 若是 IPv4-mapped IPv6 (::ffff:192.0.2.1)，转成纯 IPv4
// - 否则按原样返回（包括真 IPv6）
func NormalizeIP(input string) string {
	if input == "" {
		return ""
	}

	ip := strings.TrimSpace(strings.Split(input, ",")[0])

	if h, _, err := net.SplitHostPort(ip); err == nil {
		ip = h
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ip
	}

	if v4 := parsed.To4(); v4 != nil {
		return v4.String()
	}

	return parsed.String()
}

// GetClientIP 获取请求的客户端IP
// 优先 X-Forwarded-For / X-Real-IP，最后回落到 gin 解析的远端地址
func GetClientIP(c *gin.Context) string {
	if c == nil || c.Request == nil {
		return ""
	}
	if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
		if ip := NormalizeIP(xff); ip != "" {
			return ip
		}
	}
	if xr := c.GetHeader("X-Real-IP"); xr != "" {
		return NormalizeIP(xr)
	}
	return NormalizeIP(c.ClientIP())
}

// IsIPInList 判断IP是否在列表中，列表项支持单个IP或CIDR
func IsIPInList(ip string, list []string) bool {
	parsed := net.ParseIP(NormalizeIP(ip))
	if parsed == nil {
		return false
	}
	for _, item := range list {
		if strings.Contains(item, "/") {
			if _, network, err := net.ParseCIDR(item); err == nil && network.Contains(parsed) {
				return true
			}
			continue
		}
		if other := net.ParseIP(item); other != nil && other.Equal(parsed) {
			return true
		}
	}
	return false
}

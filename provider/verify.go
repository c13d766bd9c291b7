package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"net"
	"strconv"
	"time"
)

// SignatureTolerance is the freshness window accepted around a webhook
// timestamp to bound replay attacks.
const SignatureTolerance = 5 * time.Minute

// HMACSHA256Hex computes the hex-encoded HMAC-SHA256 of message.
func HMACSHA256Hex(secret, message []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// HMACSHA256Base64 computes the base64-encoded HMAC-SHA256 of message.
func HMACSHA256Base64(secret, message []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// SecureCompare performs a constant-time string comparison.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// TimestampFresh reports whether a unix-seconds timestamp string is within
// the tolerance window of now.
func TimestampFresh(unixSeconds string, now time.Time, tolerance time.Duration) bool {
	ts, err := strconv.ParseInt(unixSeconds, 10, 64)
	if err != nil {
		return false
	}
	diff := now.Sub(time.Unix(ts, 0))
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

// IPAllowList matches source IPs against exact IPv4 addresses and CIDR ranges.
type IPAllowList struct {
	exact map[string]struct{}
	cidrs []*net.IPNet
}

// NewIPAllowList builds an allow-list from exact addresses and CIDR strings.
// Invalid entries are skipped.
func NewIPAllowList(exact []string, cidrs []string) *IPAllowList {
	l := &IPAllowList{exact: make(map[string]struct{}, len(exact))}
	for _, ip := range exact {
		if parsed := net.ParseIP(ip); parsed != nil {
			l.exact[parsed.String()] = struct{}{}
		}
	}
	for _, c := range cidrs {
		if _, ipnet, err := net.ParseCIDR(c); err == nil {
			l.cidrs = append(l.cidrs, ipnet)
		}
	}
	return l
}

// Allowed reports whether the source IP is trusted. Only IPv4 addresses can
// match.
func (l *IPAllowList) Allowed(sourceIP string) bool {
	ip := net.ParseIP(sourceIP)
	if ip == nil || ip.To4() == nil {
		return false
	}
	if _, ok := l.exact[ip.String()]; ok {
		return true
	}
	for _, ipnet := range l.cidrs {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

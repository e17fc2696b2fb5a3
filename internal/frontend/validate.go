package frontend

import (
	"fmt"
	"net"
	"strings"

	"github.com/gosnmp/gosnmp"
)

// admits checks source against the blocked and allowed patterns. An empty
// allow list admits every source that is not blocked.
func (c *AgentConfig) admits(source net.IP) error {
	if source == nil {
		return fmt.Errorf("source address is empty")
	}
	for _, pattern := range c.BlockedSources {
		if matchesIPPattern(source, pattern) {
			return fmt.Errorf("source address %s is blocked", source)
		}
	}
	if len(c.AllowedSources) == 0 {
		return nil
	}
	for _, pattern := range c.AllowedSources {
		if matchesIPPattern(source, pattern) {
			return nil
		}
	}
	return fmt.Errorf("source address %s is not in allowed list", source)
}

// matchesIPPattern reports whether ip matches pattern, given as an address,
// a CIDR block or a prefix ending in "*".
func matchesIPPattern(ip net.IP, pattern string) bool {
	if strings.Contains(pattern, "/") {
		_, network, err := net.ParseCIDR(pattern)
		return err == nil && network.Contains(ip)
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(ip.String(), prefix)
	}
	if p := net.ParseIP(pattern); p != nil {
		return p.Equal(ip)
	}
	return false
}

// checkRequest applies the size limits to a decoded request.
func (c *AgentConfig) checkRequest(req *gosnmp.SnmpPacket) error {
	if c.MaxVarBinds > 0 && len(req.Variables) > c.MaxVarBinds {
		return fmt.Errorf("request carries %d variable bindings, limit is %d", len(req.Variables), c.MaxVarBinds)
	}
	if c.MaxOIDLength > 0 {
		for i, pdu := range req.Variables {
			if n := oidLength(pdu.Name); n > c.MaxOIDLength {
				return fmt.Errorf("variable binding %d has %d sub-identifiers, limit is %d", i+1, n, c.MaxOIDLength)
			}
		}
	}
	return nil
}

func oidLength(name string) int {
	name = strings.TrimPrefix(name, ".")
	if name == "" {
		return 0
	}
	return strings.Count(name, ".") + 1
}

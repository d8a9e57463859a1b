package vpn

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"strings"

	"go4.org/netipx"
)

// ClientConfig is a parsed OpenVPN client config.
type ClientConfig struct {
	Directives   map[string][]string
	InlineBlocks map[string]string
}

// ParseClientConfigFile reads and parses an OpenVPN client config.
func ParseClientConfigFile(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseClientConfig(string(data))
}

// ParseClientConfig parses OpenVPN config text. The config must look like
// a client config: a client or remote directive, and a tun/tap device.
func ParseClientConfig(raw string) (*ClientConfig, error) {
	directives := make(map[string][]string)
	inlineBlocks := make(map[string]string)

	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 1024), 1024*1024)

	lineNum := 0
	activeBlock := ""
	blockLines := make([]string, 0)

	for scanner.Scan() {
		lineNum++
		rawLine := scanner.Text()
		line := strings.TrimSpace(rawLine)

		if activeBlock != "" {
			if strings.EqualFold(line, "</"+activeBlock+">") {
				inlineBlocks[activeBlock] = strings.Join(blockLines, "\n")
				activeBlock = ""
				blockLines = blockLines[:0]
				continue
			}
			blockLines = append(blockLines, rawLine)
			continue
		}

		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "</") {
			return nil, fmt.Errorf("line %d: unexpected closing block", lineNum)
		}
		if strings.HasPrefix(line, "<") && strings.HasSuffix(line, ">") {
			blockName := strings.ToLower(strings.TrimSpace(line[1 : len(line)-1]))
			if blockName == "" || strings.Contains(blockName, " ") {
				return nil, fmt.Errorf("line %d: invalid inline block name", lineNum)
			}
			activeBlock = blockName
			blockLines = blockLines[:0]
			continue
		}

		fields := strings.Fields(line)
		key := strings.ToLower(fields[0])
		value := ""
		if len(fields) > 1 {
			value = strings.TrimSpace(line[len(fields[0]):])
		}
		directives[key] = append(directives[key], value)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if activeBlock != "" {
		return nil, fmt.Errorf("unclosed inline block <%s>", activeBlock)
	}

	cfg := &ClientConfig{Directives: directives, InlineBlocks: inlineBlocks}

	_, isClient := directives["client"]
	if !isClient && len(directives["remote"]) == 0 {
		return nil, fmt.Errorf("not a client config: 'client' or 'remote' directive is required")
	}
	if dev := cfg.DevType(); dev != "tun" && dev != "tap" {
		return nil, fmt.Errorf("unsupported device type %q", cfg.device())
	}
	return cfg, nil
}

func (c *ClientConfig) device() string {
	if t := c.first("dev-type"); t != "" {
		return t
	}
	if d := c.first("dev"); d != "" {
		return d
	}
	return "tun"
}

// DevType returns "tun" or "tap" as derived from dev-type or dev, or the
// raw device when it is neither.
func (c *ClientConfig) DevType() string {
	dev := strings.ToLower(c.device())
	switch {
	case strings.HasPrefix(dev, "tun"):
		return "tun"
	case strings.HasPrefix(dev, "tap"):
		return "tap"
	default:
		return dev
	}
}

// Remotes returns the remote host names.
func (c *ClientConfig) Remotes() []string {
	var out []string
	for _, v := range c.Directives["remote"] {
		if host := firstToken(v); host != "" {
			out = append(out, host)
		}
	}
	return out
}

// NeedsUserPass reports whether the config asks for username/password.
func (c *ClientConfig) NeedsUserPass() bool {
	_, ok := c.Directives["auth-user-pass"]
	return ok
}

// RouteSet folds route, route-ipv6 and redirect-gateway directives into
// an IP set. declared is false when the config carries none of them and
// routes come from the server instead.
func (c *ClientConfig) RouteSet() (set *netipx.IPSet, declared bool, err error) {
	var b netipx.IPSetBuilder

	if _, ok := c.Directives["redirect-gateway"]; ok {
		declared = true
		b.AddPrefix(netip.MustParsePrefix("0.0.0.0/0"))
		if strings.Contains(strings.Join(c.Directives["redirect-gateway"], " "), "ipv6") {
			b.AddPrefix(netip.MustParsePrefix("::/0"))
		}
	}

	for _, v := range c.Directives["route"] {
		prefix, ok := parseRoute(v)
		if !ok {
			continue
		}
		declared = true
		b.AddPrefix(prefix)
	}

	for _, v := range c.Directives["route-ipv6"] {
		prefix, err := netip.ParsePrefix(firstToken(v))
		if err != nil {
			continue
		}
		declared = true
		b.AddPrefix(prefix.Masked())
	}

	set, err = b.IPSet()
	return set, declared, err
}

// parseRoute parses "network [netmask] [gateway] [metric]". Hostnames are
// skipped since they cannot be judged offline.
func parseRoute(value string) (netip.Prefix, bool) {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return netip.Prefix{}, false
	}
	addr, err := netip.ParseAddr(fields[0])
	if err != nil || !addr.Is4() {
		return netip.Prefix{}, false
	}

	bits := 32
	if len(fields) > 1 {
		mask, err := netip.ParseAddr(fields[1])
		if err != nil || !mask.Is4() {
			return netip.Prefix{}, false
		}
		n, ok := maskBits(mask)
		if !ok {
			return netip.Prefix{}, false
		}
		bits = n
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return netip.Prefix{}, false
	}
	return prefix, true
}

// maskBits converts a dotted netmask to a prefix length.
func maskBits(mask netip.Addr) (int, bool) {
	b := mask.As4()
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	n := 0
	for v&0x80000000 != 0 {
		n++
		v <<= 1
	}
	if v != 0 {
		return 0, false
	}
	return n, true
}

func (c *ClientConfig) first(key string) string {
	values := c.Directives[key]
	if len(values) == 0 {
		return ""
	}
	return firstToken(values[0])
}

func firstToken(value string) string {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

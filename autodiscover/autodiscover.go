// Package autodiscover implements host/mask scanning that produces the
// logical-name -> location trie described in spec.md §4.8.
package autodiscover

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fschiettecatte/mps-sub005/config"
	"github.com/fschiettecatte/mps-sub005/logging"
	"github.com/fschiettecatte/mps-sub005/lwps"
)

// Trie maps a logical index name to its comma-separated segment-location
// string. Despite the name, the lookup is a flat map keyed by exact index
// name; "trie" follows the spec's terminology for the structure's role
// (built incrementally while scanning, one index name at a time).
type Trie struct {
	mu      sync.RWMutex
	entries map[string]string
}

func NewTrie() *Trie {
	return &Trie{entries: make(map[string]string)}
}

// Resolve implements index.LocationResolver.
func (t *Trie) Resolve(name string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.entries[name]
	return v, ok
}

// add appends location to name's entry, joining with "|" when name
// already maps to a location (spec.md §4.8: "mirrors discovered on
// multiple hosts").
func (t *Trie) add(name, location string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.entries[name]; ok {
		t.entries[name] = existing + "|" + location
	} else {
		t.entries[name] = location
	}
}

// set overwrites name's entry outright, used for the index:NAME=SEGMENTS
// config post-processing pass.
func (t *Trie) set(name, location string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[name] = location
}

// Keys returns every index name currently in the trie.
func (t *Trie) Keys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.entries))
	for k := range t.entries {
		out = append(out, k)
	}
	return out
}

// Scan implements spec.md §4.8: for every IPv4 address in host[/mask][:port]
// (skipping .0, .1, .255), dial, optionally perform the init handshake,
// issue server_index_info, and record "lwps://host:port/index" for every
// returned index name. Then process "index:NAME=SEGMENTS" config entries.
func Scan(ctx context.Context, hostList string, protocol lwps.Protocol, sendInit bool, connectTimeout time.Duration, dialer lwps.Dialer, cfg *config.Config) (*Trie, error) {
	trie := NewTrie()

	for _, spec := range strings.Split(hostList, ",") {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		addrs, port, err := expandHostMask(spec)
		if err != nil {
			logging.Warnf("autodiscover: skipping malformed host spec %q: %v", spec, err)
			continue
		}
		for _, addr := range addrs {
			scanHost(ctx, addr, port, protocol, sendInit, connectTimeout, dialer, trie)
		}
	}

	applyIndexSegmentConfig(trie, cfg)
	return trie, nil
}

func scanHost(ctx context.Context, host string, port int, protocol lwps.Protocol, sendInit bool, connectTimeout time.Duration, dialer lwps.Dialer, trie *Trie) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, err := dialer.Dial(dialCtx, protocol, host, port, connectTimeout)
	if err != nil {
		logging.Debugf("autodiscover: %s:%d unreachable: %v", host, port, err)
		return
	}
	defer conn.Close()

	if sendInit {
		if err := conn.Init(dialCtx); err != nil {
			logging.Debugf("autodiscover: %s:%d init failed: %v", host, port, err)
			return
		}
	}

	info, err := conn.ServerIndexInfo(dialCtx)
	if err != nil {
		logging.Debugf("autodiscover: %s:%d server_index_info failed: %v", host, port, err)
		return
	}
	for _, name := range info.IndexNames {
		trie.add(name, fmt.Sprintf("lwps://%s:%d/%s", host, port, name))
	}
}

// expandHostMask parses "host[/mask][:port]" and returns every address to
// probe. A bare host with no mask yields just that host. A CIDR mask
// enumerates the range, skipping .0, .1 and .255.
func expandHostMask(spec string) ([]string, int, error) {
	port := 8080
	if i := strings.LastIndex(spec, ":"); i >= 0 && !strings.Contains(spec[i:], "/") {
		p, err := strconv.Atoi(spec[i+1:])
		if err == nil {
			port = p
			spec = spec[:i]
		}
	}

	if !strings.Contains(spec, "/") {
		return []string{spec}, port, nil
	}

	ip, ipnet, err := net.ParseCIDR(spec)
	if err != nil {
		return nil, 0, err
	}

	var addrs []string
	for cur := ip.Mask(ipnet.Mask); ipnet.Contains(cur); incIP(cur) {
		last := cur.To4()[3]
		if last == 0 || last == 1 || last == 255 {
			continue
		}
		addrs = append(addrs, cur.String())
	}
	return addrs, port, nil
}

func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			break
		}
	}
}

// applyIndexSegmentConfig processes "index:NAME=SEGMENTS" entries: each
// comma-separated segment token is either a literal trie key or a
// bracketed regex matched against every trie key, with matches joined by
// "," (spec.md §4.8).
func applyIndexSegmentConfig(trie *Trie, cfg *config.Config) {
	for _, name := range cfg.Appenders("index") {
		v, ok := cfg.GetAppender("index", name)
		if !ok {
			continue
		}
		tokens := strings.Split(v.String(), ",")
		var segmentURLs []string
		for _, tok := range tokens {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			if strings.HasPrefix(tok, "[") && strings.HasSuffix(tok, "]") {
				pattern := tok[1 : len(tok)-1]
				re, err := regexp.Compile(pattern)
				if err != nil {
					logging.Warnf("autodiscover: invalid regex %q in index:%s: %v", pattern, name, err)
					continue
				}
				var matched []string
				for _, key := range trie.Keys() {
					if re.MatchString(key) {
						if loc, ok := trie.Resolve(key); ok {
							matched = append(matched, loc)
						}
					}
				}
				if len(matched) > 0 {
					segmentURLs = append(segmentURLs, strings.Join(matched, ","))
				}
			} else if loc, ok := trie.Resolve(tok); ok {
				segmentURLs = append(segmentURLs, loc)
			} else {
				logging.Warnf("autodiscover: index:%s references unknown segment %q", name, tok)
			}
		}
		if len(segmentURLs) > 0 {
			trie.set(name, strings.Join(segmentURLs, ","))
		}
	}
}

package prefs

import (
	"fmt"
	"sync"
)

// connectPref is the per-DeviceKey persisted connect preference.
type connectPref struct {
	WithoutCache bool `json:"withoutCache"`
}

// ConnectPrefs is the persisted per-device cache-mode preference map, keyed
// by "<proxyHost>:<address>".
type ConnectPrefs struct {
	path string

	mu sync.Mutex
	m  map[string]connectPref
}

// LoadConnectPrefs loads the preference file; a missing file yields an empty map.
func LoadConnectPrefs(path string) (*ConnectPrefs, error) {
	p := &ConnectPrefs{path: path, m: make(map[string]connectPref)}
	if err := loadJSON(path, &p.m); err != nil {
		return nil, err
	}
	return p, nil
}

// DeviceKey builds the preference key for a (proxy host, address) pair.
func DeviceKey(proxyHost string, address uint64) string {
	return fmt.Sprintf("%s:%d", proxyHost, address)
}

// WithoutCache reports the stored preference for the device, false if unset.
func (p *ConnectPrefs) WithoutCache(proxyHost string, address uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.m[DeviceKey(proxyHost, address)].WithoutCache
}

// SetWithoutCache stores the preference and rewrites the file when it changed.
func (p *ConnectPrefs) SetWithoutCache(proxyHost string, address uint64, withoutCache bool) error {
	key := DeviceKey(proxyHost, address)

	p.mu.Lock()
	cur, ok := p.m[key]
	if ok && cur.WithoutCache == withoutCache {
		p.mu.Unlock()
		return nil
	}
	p.m[key] = connectPref{WithoutCache: withoutCache}
	snapshot := make(map[string]connectPref, len(p.m))
	for k, v := range p.m {
		snapshot[k] = v
	}
	p.mu.Unlock()

	return writeFileAtomic(p.path, snapshot)
}

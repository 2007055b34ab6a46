package bridge

import (
	"os"
	"strings"
	"sync"
	"time"
)

const settingsTTL = 30 * time.Second

// EnvSettings reads runtime-tunable values from VOXHUD_SETTING_* env
// vars. The environment is snapshotted and cached; lookups hit the
// cache, which refreshes at most once per TTL, so settings edits take
// effect without a restart but prompt building stays cheap.
type EnvSettings struct {
	environ func() []string

	mu       sync.Mutex
	cache    map[string]string
	loadedAt time.Time
	now      func() time.Time
}

const settingPrefix = "VOXHUD_SETTING_"

// NewEnvSettings creates an environment-backed settings source.
func NewEnvSettings() *EnvSettings {
	return &EnvSettings{
		environ: os.Environ,
		now:     time.Now,
	}
}

// Get returns the setting for key, or def when unset. Keys are
// lowercase; "custom_prompt" maps to VOXHUD_SETTING_CUSTOM_PROMPT.
func (s *EnvSettings) Get(key, def string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cache == nil || s.now().Sub(s.loadedAt) > settingsTTL {
		s.reloadLocked()
	}
	if v, ok := s.cache[strings.ToLower(key)]; ok {
		return v
	}
	return def
}

func (s *EnvSettings) reloadLocked() {
	cache := make(map[string]string)
	for _, kv := range s.environ() {
		if !strings.HasPrefix(kv, settingPrefix) {
			continue
		}
		rest := strings.TrimPrefix(kv, settingPrefix)
		name, value, ok := strings.Cut(rest, "=")
		if !ok || name == "" {
			continue
		}
		cache[strings.ToLower(name)] = value
	}
	s.cache = cache
	s.loadedAt = s.now()
}

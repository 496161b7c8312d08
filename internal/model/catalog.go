package model

import (
	"fmt"
	"sort"
	"sync"
)

// Info describes a model the service knows how to serve.
type Info struct {
	ID         string
	Family     string
	Language   string
	SampleRate int
	NumMels    int
}

const (
	// DefaultModelID is the Twi fine-tune of Whisper small served by default.
	DefaultModelID = "teckedd/whisper-small-serlabs-twi-asr"
)

var (
	catalogMu sync.RWMutex
	catalog   = map[string]Info{
		DefaultModelID: {
			ID:         DefaultModelID,
			Family:     "whisper-small",
			Language:   "tw",
			SampleRate: 16000,
			NumMels:    80,
		},
		"openai/whisper-small": {
			ID:         "openai/whisper-small",
			Family:     "whisper-small",
			SampleRate: 16000,
			NumMels:    80,
		},
		"openai/whisper-base": {
			ID:         "openai/whisper-base",
			Family:     "whisper-base",
			SampleRate: 16000,
			NumMels:    80,
		},
	}
)

// Register adds or replaces a catalog entry.
func Register(info Info) error {
	if info.ID == "" {
		return fmt.Errorf("model id is required")
	}
	if info.SampleRate <= 0 {
		info.SampleRate = 16000
	}
	if info.NumMels <= 0 {
		info.NumMels = 80
	}
	catalogMu.Lock()
	defer catalogMu.Unlock()
	catalog[info.ID] = info
	return nil
}

// Lookup returns the catalog entry for id.
func Lookup(id string) (Info, bool) {
	catalogMu.RLock()
	defer catalogMu.RUnlock()
	info, ok := catalog[id]
	return info, ok
}

// Catalog returns the registered model ids in sorted order.
func Catalog() []string {
	catalogMu.RLock()
	defer catalogMu.RUnlock()
	ids := make([]string, 0, len(catalog))
	for id := range catalog {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

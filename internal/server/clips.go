package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/parlancehq/parlance/internal/console"
)

// DefaultMaxClips bounds the clip store when no limit is configured.
const DefaultMaxClips = 256

const (
	clipRoute = "/clips/"
	clipExt   = ".wav"
)

// Compile-time interface assertion.
var _ console.ClipSink = (*ClipStore)(nil)

// ClipStore is a bounded in-memory store of encoded WAV playback clips keyed
// by conversation item ID. When the bound is reached, storing a new clip
// evicts the oldest. Clips live only as long as the process; conversation
// history is never persisted.
//
// ClipStore is safe for concurrent use and serves its contents over HTTP at
// GET /clips/{itemID}.wav.
type ClipStore struct {
	log *slog.Logger

	mu    sync.Mutex
	max   int
	order []string
	clips map[string][]byte
}

// NewClipStore creates a clip store holding at most maxClips clips.
// Non-positive bounds fall back to [DefaultMaxClips].
func NewClipStore(maxClips int, log *slog.Logger) *ClipStore {
	if maxClips <= 0 {
		maxClips = DefaultMaxClips
	}
	if log == nil {
		log = slog.Default()
	}
	return &ClipStore{
		log:   log,
		max:   maxClips,
		clips: make(map[string][]byte),
	}
}

// StoreClip stores the WAV clip for the given item, taking ownership of wav.
// Storing an item that already has a clip replaces it. Implements
// [console.ClipSink].
func (s *ClipStore) StoreClip(itemID string, wav []byte) {
	if itemID == "" || len(wav) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clips[itemID]; !ok {
		s.order = append(s.order, itemID)
	}
	s.clips[itemID] = wav

	for len(s.order) > s.max {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.clips, oldest)
		s.log.Debug("clip evicted", "item_id", oldest)
	}
}

// Clip returns the stored WAV clip for the given item.
func (s *ClipStore) Clip(itemID string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wav, ok := s.clips[itemID]
	return wav, ok
}

// Has reports whether a clip is stored for the given item.
func (s *ClipStore) Has(itemID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.clips[itemID]
	return ok
}

// Len returns the number of stored clips.
func (s *ClipStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// ClipPath returns the URL path the clip for itemID is served at.
func ClipPath(itemID string) string {
	return clipRoute + itemID + clipExt
}

// ServeHTTP serves stored clips at GET /clips/{itemID}.wav.
func (s *ClipStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, clipRoute)
	itemID, ok := strings.CutSuffix(name, clipExt)
	if !ok || itemID == "" || strings.Contains(itemID, "/") {
		http.NotFound(w, r)
		return
	}
	wav, ok := s.Clip(itemID)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(wav)))
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(wav)
}

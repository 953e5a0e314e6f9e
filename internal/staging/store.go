// Package staging holds the files of in-flight turns, scoped per user and chat.
package staging

import (
	"sort"
	"sync"
	"time"

	"github.com/nepiskopos/open-webui-enhancements/internal/models"
)

type scope struct {
	files     map[string]*models.StagedFile
	lastWrite time.Time
}

// Store is a mutex-guarded map of scopes. Callers only ever receive copies.
type Store struct {
	mu     sync.Mutex
	scopes map[models.SessionKey]*scope
	now    func() time.Time
}

func NewStore() *Store {
	return &Store{
		scopes: make(map[models.SessionKey]*scope),
		now:    time.Now,
	}
}

// Put merges files into the scope. An id already present keeps its first entry.
func (s *Store) Put(key models.SessionKey, files map[string]*models.StagedFile) {
	if len(files) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scopes[key]
	if !ok {
		sc = &scope{files: make(map[string]*models.StagedFile, len(files))}
		s.scopes[key] = sc
	}
	for id, f := range files {
		if f == nil {
			continue
		}
		if _, exists := sc.files[id]; exists {
			continue
		}
		c := f.Clone()
		c.ID = id
		sc.files[id] = c
	}
	sc.lastWrite = s.now()
}

// Get returns copies of every file staged under key.
func (s *Store) Get(key models.SessionKey) map[string]*models.StagedFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*models.StagedFile)
	if sc, ok := s.scopes[key]; ok {
		for id, f := range sc.files {
			out[id] = f.Clone()
		}
	}
	return out
}

// Partition splits the scope by acceptability, each side ordered by upload
// timestamp then id.
func (s *Store) Partition(key models.SessionKey) (accepted, rejected []*models.StagedFile) {
	for _, f := range s.Get(key) {
		if f.Acceptability == models.Accepted {
			accepted = append(accepted, f)
		} else {
			rejected = append(rejected, f)
		}
	}
	sortFiles(accepted)
	sortFiles(rejected)
	return accepted, rejected
}

// AttachResult records a backend result on a staged file. It reports false
// when the file is not staged under key.
func (s *Store) AttachResult(key models.SessionKey, id string, result []byte) bool {
	return s.mutate(key, id, func(f *models.StagedFile) {
		f.Result = append([]byte(nil), result...)
		f.Err = ""
	})
}

// AttachError records a per-file failure.
func (s *Store) AttachError(key models.SessionKey, id, msg string) bool {
	return s.mutate(key, id, func(f *models.StagedFile) {
		f.Err = msg
	})
}

func (s *Store) mutate(key models.SessionKey, id string, fn func(*models.StagedFile)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scopes[key]
	if !ok {
		return false
	}
	f, ok := sc.files[id]
	if !ok {
		return false
	}
	fn(f)
	sc.lastWrite = s.now()
	return true
}

// Delete removes the scope and returns what it held. Deleting a missing
// scope returns nil.
func (s *Store) Delete(key models.SessionKey) []*models.StagedFile {
	s.mu.Lock()
	sc, ok := s.scopes[key]
	delete(s.scopes, key)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	out := make([]*models.StagedFile, 0, len(sc.files))
	for _, f := range sc.files {
		out = append(out, f)
	}
	sortFiles(out)
	return out
}

// Snapshot deep-copies the whole store for diagnostics.
func (s *Store) Snapshot() map[models.SessionKey]map[string]*models.StagedFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[models.SessionKey]map[string]*models.StagedFile, len(s.scopes))
	for key, sc := range s.scopes {
		files := make(map[string]*models.StagedFile, len(sc.files))
		for id, f := range sc.files {
			files[id] = f.Clone()
		}
		out[key] = files
	}
	return out
}

// Len is the number of live scopes.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scopes)
}

// Stale lists scopes whose last write is older than olderThan.
func (s *Store) Stale(olderThan time.Duration) []models.SessionKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-olderThan)
	var keys []models.SessionKey
	for key, sc := range s.scopes {
		if sc.lastWrite.Before(cutoff) {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

func sortFiles(files []*models.StagedFile) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].UploadTimestamp != files[j].UploadTimestamp {
			return files[i].UploadTimestamp < files[j].UploadTimestamp
		}
		return files[i].ID < files[j].ID
	})
}

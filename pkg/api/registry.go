package api

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rtbids/rtbids/pkg/bids"
)

// Stream is one open volume stream over a single run. The run's
// incrementals are held in memory, so serving a volume never goes back
// to disk.
type Stream struct {
	ID        string
	Source    string // "path" or "accession"
	Dataset   string
	Entities  bids.Entities
	CreatedAt time.Time

	run        *bids.Run
	mu         sync.Mutex
	lastAccess time.Time
}

func newStream(source, dataset string, entities bids.Entities, run *bids.Run) *Stream {
	now := time.Now()
	return &Stream{
		ID:         uuid.New().String(),
		Source:     source,
		Dataset:    dataset,
		Entities:   entities,
		CreatedAt:  now,
		run:        run,
		lastAccess: now,
	}
}

// NumVolumes returns how many incrementals the stream can serve
func (s *Stream) NumVolumes() int {
	return s.run.NumIncrementals()
}

// Volume returns the incremental at index. Negative indexes address
// from the end.
func (s *Stream) Volume(index int) (*bids.Incremental, error) {
	inc, err := s.run.Incremental(index)
	if err != nil {
		return nil, &bids.QueryError{Msg: err.Error()}
	}
	return inc, nil
}

// LastAccess returns when the stream was last used
func (s *Stream) LastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

func (s *Stream) touch() {
	s.mu.Lock()
	s.lastAccess = time.Now()
	s.mu.Unlock()
}

// Info snapshots the stream for API responses
func (s *Stream) Info() StreamInfo {
	return StreamInfo{
		ID:         s.ID,
		Source:     s.Source,
		Dataset:    s.Dataset,
		Entities:   s.Entities,
		NumVolumes: s.NumVolumes(),
		CreatedAt:  s.CreatedAt,
		LastAccess: s.LastAccess(),
	}
}

// Registry tracks open streams by id and expires the ones nobody is
// reading anymore.
type Registry struct {
	streams map[string]*Stream
	mu      sync.RWMutex
	ttl     time.Duration

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewRegistry creates a stream registry. Streams idle longer than ttl
// are removed by the janitor; ttl <= 0 disables expiry.
func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{
		streams: make(map[string]*Stream),
		ttl:     ttl,
	}
}

// Add registers a stream
func (r *Registry) Add(s *Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[s.ID] = s
}

// Get returns a stream and marks it as recently used
func (r *Registry) Get(id string) (*Stream, bool) {
	r.mu.RLock()
	s, ok := r.streams[id]
	r.mu.RUnlock()
	if ok {
		s.touch()
	}
	return s, ok
}

// Remove closes a stream. Returns false when the id is unknown.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.streams[id]; !ok {
		return false
	}
	delete(r.streams, id)
	return true
}

// List returns all open streams ordered by creation time
func (r *Registry) List() []*Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()

	streams := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		streams = append(streams, s)
	}
	sort.Slice(streams, func(i, j int) bool {
		if streams[i].CreatedAt.Equal(streams[j].CreatedAt) {
			return streams[i].ID < streams[j].ID
		}
		return streams[i].CreatedAt.Before(streams[j].CreatedAt)
	})
	return streams
}

// Len returns the number of open streams
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

// ExpireIdle removes streams idle longer than the registry TTL and
// returns the number removed.
func (r *Registry) ExpireIdle() int {
	if r.ttl <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-r.ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	expired := 0
	for id, s := range r.streams {
		if s.LastAccess().Before(cutoff) {
			delete(r.streams, id)
			expired++
		}
	}
	return expired
}

// CloseAll drops every stream and returns how many were open
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.streams)
	r.streams = make(map[string]*Stream)
	return n
}

// StartJanitor launches the periodic idle sweep. onSweep, when set,
// runs after every sweep with the number of streams expired.
func (r *Registry) StartJanitor(interval time.Duration, onSweep func(expired int)) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	go func() {
		defer close(r.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				expired := r.ExpireIdle()
				if onSweep != nil {
					onSweep(expired)
				}
			}
		}
	}()
}

// StopJanitor stops the idle sweep and waits for it to exit
func (r *Registry) StopJanitor() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	stopCh, doneCh := r.stopCh, r.doneCh
	r.mu.Unlock()

	close(stopCh)
	<-doneCh
}

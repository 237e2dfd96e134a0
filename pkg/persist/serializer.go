package persist

import (
	"errors"
	"sync"
)

// ErrSerializerClosed is returned by Submit after Close.
var ErrSerializerClosed = errors.New("serializer closed")

// Serializer runs jobs sharing a key one at a time, in submission order. Jobs with different
// keys run concurrently.
type Serializer struct {
	mu     sync.Mutex
	queues map[string][]func()
	closed bool
	wg     sync.WaitGroup
}

// NewSerializer creates a Serializer.
func NewSerializer() *Serializer {
	return &Serializer{queues: make(map[string][]func())}
}

// Submit enqueues job behind the key's earlier jobs.
func (s *Serializer) Submit(key string, job func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSerializerClosed
	}

	s.wg.Add(1)
	q, running := s.queues[key]
	s.queues[key] = append(q, job)
	if !running {
		go s.drain(key)
	}
	return nil
}

// drain runs the key's jobs until its queue is empty. A key is present in queues exactly
// while a drain goroutine owns it.
func (s *Serializer) drain(key string) {
	for {
		s.mu.Lock()
		q := s.queues[key]
		if len(q) == 0 {
			delete(s.queues, key)
			s.mu.Unlock()
			return
		}
		job := q[0]
		s.queues[key] = q[1:]
		s.mu.Unlock()

		s.run(job)
	}
}

func (s *Serializer) run(job func()) {
	defer s.wg.Done()
	job()
}

// Wait blocks until every submitted job has finished.
func (s *Serializer) Wait() {
	s.wg.Wait()
}

// Close rejects new jobs and waits for the queued ones.
func (s *Serializer) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}

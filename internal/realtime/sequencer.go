// ABOUTME: Per-conversation sequencer: writes and their broadcasts run one at a time per key
// ABOUTME: Live frames leave in the same order the store recorded the messages

package realtime

import "sync"

// sequencer runs jobs that share a key one after another, in submission
// order. A key owns a goroutine only while it has pending jobs; jobs for
// different keys run concurrently.
type sequencer struct {
	mu    sync.Mutex
	lanes map[string][]func()
	wg    sync.WaitGroup
}

func newSequencer() *sequencer {
	return &sequencer{lanes: make(map[string][]func())}
}

// do queues job behind earlier jobs for key and blocks until it has run.
func (s *sequencer) do(key string, job func()) {
	done := make(chan struct{})

	s.mu.Lock()
	queue, busy := s.lanes[key]
	s.lanes[key] = append(queue, func() {
		defer close(done)
		job()
	})
	if !busy {
		s.wg.Add(1)
		go s.run(key)
	}
	s.mu.Unlock()

	<-done
}

func (s *sequencer) run(key string) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		queue := s.lanes[key]
		if len(queue) == 0 {
			delete(s.lanes, key)
			s.mu.Unlock()
			return
		}
		job := queue[0]
		s.lanes[key] = queue[1:]
		s.mu.Unlock()

		job()
	}
}

// waiting returns how many jobs for key have not started yet.
func (s *sequencer) waiting(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lanes[key])
}

// wait blocks until every lane has drained.
func (s *sequencer) wait() {
	s.wg.Wait()
}

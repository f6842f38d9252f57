package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const callbackStateTTL = 15 * time.Minute

var (
	errStateNotFound = errors.New("state not found")
	errStateExpired  = errors.New("state has expired")
)

// callbackState is what the sign-in redirect leaves behind for the callback.
type callbackState struct {
	providerID  string
	verifier    string
	callbackURL string
	expiresAt   time.Time
}

type callbackStates struct {
	mu     sync.Mutex
	states map[string]*callbackState

	shutdownChan chan struct{}
	shutdownOnce sync.Once

	now func() time.Time
}

func newCallbackStates() *callbackStates {
	s := &callbackStates{
		states:       make(map[string]*callbackState),
		shutdownChan: make(chan struct{}),
		now:          time.Now,
	}

	go s.cleanupExpiredStates()

	return s
}

func randString(nByte int) (string, error) {
	b := make([]byte, nByte)

	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}

	return base64.URLEncoding.EncodeToString(b), nil
}

func (s *callbackStates) put(state string, cs *callbackState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs.expiresAt = s.now().Add(callbackStateTTL)
	s.states[state] = cs
}

// take removes and returns the state. A state can only be taken once.
func (s *callbackStates) take(state string) (*callbackState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.states[state]
	if !ok {
		return nil, errStateNotFound
	}

	delete(s.states, state)

	if s.now().After(cs.expiresAt) {
		return nil, errStateExpired
	}

	return cs, nil
}

func (s *callbackStates) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.states)
}

func (s *callbackStates) cleanupExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0
	for state, cs := range s.states {
		if now.After(cs.expiresAt) {
			delete(s.states, state)
			cleaned++
		}
	}

	return cleaned
}

func (s *callbackStates) performCleanup() {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"panic": r,
			}).Errorf("Panic recovered in callback state cleanup, continuing")
		}
	}()

	cleaned := s.cleanupExpired(s.now())
	remaining := s.len()

	if cleaned > 0 {
		log.WithFields(log.Fields{
			"cleanedStates":   cleaned,
			"remainingStates": remaining,
		}).Debugf("Expired callback states cleaned up")
	}

	if remaining > 1000 {
		log.WithFields(log.Fields{
			"stateCount": remaining,
		}).Warn("Callback state map is large, sign-ins may be started and abandoned")
	}
}

func (s *callbackStates) cleanupExpiredStates() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdownChan:
			return
		case <-ticker.C:
			s.performCleanup()
		}
	}
}

func (s *callbackStates) shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdownChan)

		s.mu.Lock()
		s.states = make(map[string]*callbackState)
		s.mu.Unlock()
	})
}

package memory

import (
	"context"
	"cowrite-server/core"
	"fmt"
	"sort"
	"time"
)

func (s *store) CreateToken(ctx context.Context, token *core.ShareToken) error {
	s.tokensMu.Lock()
	defer s.tokensMu.Unlock()

	if _, exists := s.tokens[token.Token]; exists {
		return fmt.Errorf("share token already exists")
	}
	s.tokens[token.Token] = *token
	return nil
}

func (s *store) FindToken(ctx context.Context, token string) (*core.ShareToken, error) {
	s.tokensMu.RLock()
	defer s.tokensMu.RUnlock()

	t, ok := s.tokens[token]
	if !ok {
		return nil, fmt.Errorf("share token: %w", core.ErrNotFound)
	}
	return &t, nil
}

func (s *store) DeactivateToken(ctx context.Context, token, issuedBy string) (bool, error) {
	s.tokensMu.Lock()
	defer s.tokensMu.Unlock()

	t, ok := s.tokens[token]
	if !ok || !t.IsActive || t.IssuedBy != issuedBy {
		return false, nil
	}
	t.IsActive = false
	s.tokens[token] = t
	return true, nil
}

func (s *store) ListTokens(ctx context.Context, roomID, issuedBy string, now time.Time) ([]core.ShareToken, error) {
	s.tokensMu.RLock()
	defer s.tokensMu.RUnlock()

	tokens := make([]core.ShareToken, 0)
	for _, t := range s.tokens {
		if t.RoomID == roomID && t.IssuedBy == issuedBy && t.Usable(now) {
			tokens = append(tokens, t)
		}
	}

	sort.Slice(tokens, func(i, j int) bool {
		return tokens[i].IssuedAt.Before(tokens[j].IssuedAt)
	})
	return tokens, nil
}

package backend

import (
	"context"
	"sync"

	apperrors "sendqueue/internal/errors"
	"sendqueue/internal/models"
)

// Sender delivers queued messages through a Client using the current
// session token. The token can be replaced while the queue runs, for
// example when a client presents a fresh session cookie.
type Sender struct {
	client *Client

	mu    sync.RWMutex
	token string
}

func NewSender(client *Client, token string) *Sender {
	return &Sender{client: client, token: token}
}

func (s *Sender) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

func (s *Sender) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Send posts msg to the backend. Without a token the attempt fails locally
// and the entry stays queued like any other failure.
func (s *Sender) Send(ctx context.Context, msg models.QueuedMessage) error {
	token := s.Token()
	if token == "" {
		return apperrors.NewAuthError("no session token")
	}
	_, err := s.client.PostMessage(ctx, token, msg.Draft())
	return err
}

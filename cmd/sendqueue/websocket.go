package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"sendqueue/internal/logfields"
	"sendqueue/internal/queue"
	"sendqueue/internal/tracing"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
)

// handleQueueStream pushes the queue state as JSON text frames: once on
// connect and after every change. Clients only listen; anything they send
// is discarded.
func (s *Server) handleQueueStream() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			s.logger.WithError(err).Warn("Queue stream upgrade failed")
			return
		}
		defer conn.CloseNow()

		logger := s.logger.WithField(logfields.RequestID, tracing.GetRequestID(r.Context()))
		logger.Debug("Queue stream opened")

		ctx := conn.CloseRead(r.Context())
		updates, unsubscribe := s.queue.Subscribe()
		defer unsubscribe()

		if err := writeState(ctx, conn, s.queue.State()); err != nil {
			logger.WithError(err).Debug("Queue stream closed")
			return
		}

		ping := time.NewTicker(streamPingInterval)
		defer ping.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Debug("Queue stream closed by client")
				return
			case <-s.closing:
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			case state := <-updates:
				if err := writeState(ctx, conn, state); err != nil {
					logger.WithError(err).Debug("Queue stream closed")
					return
				}
			case <-ping.C:
				pingCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
				err := conn.Ping(pingCtx)
				cancel()
				if err != nil {
					logger.WithFields(logrus.Fields{logfields.Operation: "ping"}).WithError(err).Debug("Queue stream closed")
					return
				}
			}
		}
	}
}

func writeState(ctx context.Context, conn *websocket.Conn, state queue.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

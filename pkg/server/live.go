package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/telemetrybus/pkg/relay"
)

// handleLive streams relayed events as Server-Sent Events until the client
// disconnects.
//
// Query parameters narrow the subscription: service and phase select
// subject tokens, correlation_id filters on the relay header.
//
// Event format:
//
//	event: end
//	data: {"eventId":"...","correlationId":"abc",...}
func (s *Server) handleLive(c echo.Context) error {
	if s.deps.NATS == nil {
		return notFound(c, "live relay disabled")
	}

	prefix := s.deps.RelayPrefix
	if prefix == "" {
		prefix = relay.DefaultPrefix
	}
	service, phase := "*", "*"
	if v := c.QueryParam("service"); v != "" {
		service = relay.Token(v)
	}
	if v := c.QueryParam("phase"); v != "" {
		phase = relay.Token(v)
	}
	correlationID := c.QueryParam("correlation_id")
	subject := prefix + "." + service + "." + phase

	msgChan := make(chan *nats.Msg, 64)
	sub, err := s.deps.NATS.ChanSubscribe(subject, msgChan)
	if err != nil {
		return c.JSON(http.StatusBadGateway, ErrorResponse{Error: err.Error()})
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()
	if err := s.deps.NATS.Flush(); err != nil {
		return c.JSON(http.StatusBadGateway, ErrorResponse{Error: err.Error()})
	}

	res := c.Response()
	res.Header().Set("Content-Type", "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)
	fmt.Fprintf(res, ": subscribed %s\n\n", subject)
	res.Flush()

	s.logger.Debug("Live stream opened", zap.String("subject", subject), zap.String("correlation_id", correlationID))

	ticker := time.NewTicker(s.config.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case msg := <-msgChan:
			if correlationID != "" && msg.Header.Get(relay.HeaderCorrelationID) != correlationID {
				continue
			}
			fmt.Fprintf(res, "event: %s\n", lastToken(msg.Subject))
			fmt.Fprintf(res, "data: %s\n\n", msg.Data)
			res.Flush()

		case <-ticker.C:
			fmt.Fprintf(res, ": heartbeat\n\n")
			res.Flush()

		case <-c.Request().Context().Done():
			return nil
		}
	}
}

func lastToken(subject string) string {
	for i := len(subject) - 1; i >= 0; i-- {
		if subject[i] == '.' {
			return subject[i+1:]
		}
	}
	return subject
}

package servers

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"evalgo.org/gameforge/internal/errdefs"
	"evalgo.org/gameforge/models"
)

// RecordHostEvents writes events pushed by a host daemon to the audit log.
// Events naming a server that is not placed on hostID are skipped, so a
// daemon can only write the history of its own servers.
func (s *Service) RecordHostEvents(ctx context.Context, hostID string, req HostEventsRequest) (*HostEventsResult, error) {
	if err := s.validator.Struct(req).Err(); err != nil {
		return nil, err
	}
	if _, err := s.store.GetHost(ctx, hostID); err != nil {
		return nil, err
	}

	res := &HostEventsResult{}
	for _, ev := range req.Events {
		srv, err := s.store.GetServer(ctx, ev.ServerID)
		if errdefs.IsNotFound(err) {
			res.Skipped++
			continue
		}
		if err != nil {
			return res, err
		}
		if srv.HostID != hostID {
			s.logger.Warn("host reported an event for a server it does not run",
				zap.String("host_id", hostID), zap.String("server_id", ev.ServerID))
			res.Skipped++
			continue
		}
		level := ev.Level
		if level == "" {
			level = models.AuditInfo
		}
		if err := s.audit.Log(ctx, srv.ID, level, eventMessage(ev)); err != nil {
			return res, errors.Wrapf(err, "record event of server %s", srv.ID)
		}
		res.Recorded++
	}
	s.logger.Debug("host events recorded",
		zap.String("host_id", hostID), zap.Int("recorded", res.Recorded), zap.Int("skipped", res.Skipped))
	return res, nil
}

func eventMessage(ev HostEvent) string {
	msg := "daemon: " + ev.Action
	if ev.Message != "" {
		msg += ": " + ev.Message
	}
	if ev.Timestamp != nil {
		msg += fmt.Sprintf(" (at %s)", ev.Timestamp.UTC().Format(time.RFC3339))
	}
	return msg
}

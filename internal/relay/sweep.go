package relay

import (
	"context"
	"time"
)

// RunRequestExpiryMonitor marks overdue chat requests expired until ctx
// ends. Clients run their own countdowns; the sweep keeps the request
// list honest for late listers.
func (s *Service) RunRequestExpiryMonitor(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepExpiredRequests(s.now())
		}
	}
}

// sweepExpiredRequests is one sweep step against the given wall-clock
// time. Reports how many requests expired.
func (s *Service) sweepExpiredRequests(now time.Time) int {
	nowMs := now.UnixMilli()

	s.mu.Lock()
	var expired []string
	for _, req := range s.requests {
		if req.Status == RequestStatusPending && req.ExpiresAt <= nowMs {
			req.Status = RequestStatusExpired
			expired = append(expired, req.ID)
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		s.log.Info("request expired", "request_id", id)
	}
	return len(expired)
}

package router

import (
	"context"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"fleetd/internal/cluster"
	"fleetd/internal/message"
	"fleetd/internal/observability/metrics"
	logx "fleetd/pkg/logx"
)

func newBroadcastLimiter(rps int) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(rps), rps)
}

// SetBroadcastRate changes the fan-out send rate; 0 removes the limit.
func (r *Router) SetBroadcastRate(rps int) {
	r.mu.Lock()
	r.limiter = newBroadcastLimiter(rps)
	r.mu.Unlock()
}

// Broadcast sends a copy of msg to every live instance queue in scope:
// ANYWHERE (the fleet), LOCALLY (this location), CLOUD (the configured cloud
// locations) or a named location. Failures are per destination and never
// stop delivery to the others. It returns the number of destinations.
func (r *Router) Broadcast(ctx context.Context, scope string, msg *message.Message) (int, error) {
	if msg == nil {
		return 0, ErrNilMessage
	}
	ids, err := r.scopeQueues(ctx, scope)
	if err != nil {
		return 0, err
	}
	dests, err := r.liveDestinations(ctx, ids)
	if err != nil {
		return 0, err
	}
	if len(dests) == 0 {
		r.log.Debug("broadcast has no live destinations", logx.String("scope", scope))
		return 0, nil
	}
	m := r.prepare(ctx, msg)
	r.mu.RLock()
	limiter := r.limiter
	r.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.FanoutWorkers)
	for _, d := range dests {
		g.Go(func() error {
			if err := limiter.Wait(gctx); err != nil {
				r.drop(m, d.queueID, metrics.DropSendFailed, err)
				return nil
			}
			cp := m.Clone()
			if err := r.transmit(gctx, d, cp); err != nil {
				r.log.Warn("broadcast send failed", logx.String("queue", d.queueID), logx.Err(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	r.metrics.MessageSent(metrics.RouteBroadcast)
	return len(dests), nil
}

// scopeQueues lists instance queue ids for a broadcast scope.
func (r *Router) scopeQueues(ctx context.Context, scope string) ([]string, error) {
	self := r.dir.Self()
	var locs []string
	includeSelf := false
	switch strings.ToUpper(strings.TrimSpace(scope)) {
	case Anywhere, "":
		ids, err := r.queue.ListIDs(ctx, r.naming.FleetPrefix(), false)
		if err != nil {
			return nil, err
		}
		return withQueue(ids, self.QueueID), nil
	case Locally:
		locs, includeSelf = []string{self.Location}, true
	case Cloud:
		locs = r.cfg.CloudLocations
		includeSelf = slices.Contains(locs, self.Location)
	default:
		locs = []string{strings.TrimSpace(scope)}
		includeSelf = locs[0] == self.Location
	}

	var out []string
	for _, loc := range locs {
		ids, err := r.queue.ListIDs(ctx, r.naming.LocationPrefix(loc), false)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			// LocationPrefix("A") also matches location "A-B".
			if r.naming.LocationOf(r.queue.NameOf(id)) == loc {
				out = append(out, id)
			}
		}
	}
	if includeSelf {
		out = withQueue(out, self.QueueID)
	}
	return out, nil
}

func withQueue(ids []string, id string) []string {
	if slices.Contains(ids, id) {
		return ids
	}
	return append(ids, id)
}

// liveDestinations keeps queues owned by instances the directory sees as live.
func (r *Router) liveDestinations(ctx context.Context, ids []string) ([]destination, error) {
	live, err := r.dir.LiveInstances(ctx)
	if err != nil {
		return nil, err
	}
	byQueue := make(map[string]cluster.Instance, len(live))
	for _, i := range live {
		byQueue[i.QueueID] = i
	}
	var out []destination
	for _, id := range ids {
		inst, ok := byQueue[id]
		if !ok {
			continue
		}
		out = append(out, destination{queueID: id, location: inst.Location, instance: &inst})
	}
	return out, nil
}

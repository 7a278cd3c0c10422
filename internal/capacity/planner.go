// Package capacity decides whether a host can take a new server and ranks
// candidate hosts for placement.
package capacity

import (
	"context"
	"fmt"
	"sort"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"evalgo.org/gameforge/internal/errdefs"
	"evalgo.org/gameforge/internal/storage"
	"evalgo.org/gameforge/models"
)

// Score weights. They favour compute and memory balance over disk headroom
// and are an assumption, not a measurement.
const (
	WeightCPU    = 0.4
	WeightMemory = 0.4
	WeightDisk   = 0.2
)

// Capacity is the resource picture of one host.
type Capacity struct {
	Total     models.Resources `json:"total"`
	Used      models.Resources `json:"used"`
	Available models.Resources `json:"available"`
	FreeIPs   int              `json:"freeIps"`
	FreePorts int              `json:"freePorts"`
}

// Report is the answer of CheckCapacity. Reason names the first constraint
// that failed, in the order CPU, memory, disk, IP, port.
type Report struct {
	HostID    string   `json:"hostId"`
	Available bool     `json:"available"`
	Capacity  Capacity `json:"capacity"`
	Reason    string   `json:"reason,omitempty"`
}

// Candidate is a host that can take the request, with its placement score.
type Candidate struct {
	HostID   string   `json:"hostId"`
	Score    float64  `json:"score"`
	Capacity Capacity `json:"capacity"`
}

type Planner struct {
	store  storage.Store
	logger *zap.Logger
}

func New(store storage.Store, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{store: store, logger: logger.Named("capacity")}
}

// CheckCapacity reports whether host can fit req. A missing host is a
// NotFound error rather than an unavailable report.
func (p *Planner) CheckCapacity(ctx context.Context, hostID string, req models.Resources) (*Report, error) {
	host, err := p.store.GetHost(ctx, hostID)
	if err != nil {
		return nil, err
	}
	return p.check(ctx, host, req)
}

func (p *Planner) check(ctx context.Context, host *models.Host, req models.Resources) (*Report, error) {
	used, err := p.store.UsedResources(ctx, host.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "used resources of host %s", host.ID)
	}
	free, err := p.store.CountFree(ctx, host.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "free pool rows of host %s", host.ID)
	}

	c := Capacity{
		Total:     host.Capacity,
		Used:      used,
		Available: host.Capacity.Sub(used),
		FreeIPs:   free.IPs,
		FreePorts: free.Ports,
	}
	r := &Report{HostID: host.ID, Available: true, Capacity: c}

	switch {
	case c.Available.CPU < req.CPU:
		r.Reason = fmt.Sprintf("Insufficient CPU (required: %d, available: %d)", req.CPU, c.Available.CPU)
	case c.Available.Memory < req.Memory:
		r.Reason = fmt.Sprintf("Insufficient memory (required: %dMB, available: %dMB)", req.Memory, c.Available.Memory)
	case c.Available.Disk < req.Disk:
		r.Reason = fmt.Sprintf("Insufficient disk (required: %dGB, available: %dGB)", req.Disk, c.Available.Disk)
	case c.FreeIPs == 0:
		r.Reason = "No IP addresses available"
	case c.FreePorts == 0:
		r.Reason = "No ports available"
	}
	if r.Reason != "" {
		r.Available = false
	}
	return r, nil
}

// Err turns an unavailable report into a ResourceExhausted error whose hint
// is the reason. It returns nil for available reports.
func (r *Report) Err() error {
	if r.Available {
		return nil
	}
	return errors.WithHint(
		errdefs.ResourceExhausted("host %s cannot fit the request: %s", r.HostID, r.Reason),
		r.Reason,
	)
}

// Score is the weighted free fraction of a host, on a 0-100 scale.
func Score(c Capacity) float64 {
	return WeightCPU*fraction(c.Available.CPU, c.Total.CPU) +
		WeightMemory*fraction(c.Available.Memory, c.Total.Memory) +
		WeightDisk*fraction(c.Available.Disk, c.Total.Disk)
}

func fraction(avail, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(avail) / float64(total) * 100
}

// Rank returns every online host that can fit req, best first.
func (p *Planner) Rank(ctx context.Context, req models.Resources) ([]Candidate, error) {
	hosts, err := p.store.ListHosts(ctx, models.HostOnline)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(hosts))
	for _, h := range hosts {
		r, err := p.check(ctx, h, req)
		if err != nil {
			return nil, err
		}
		if !r.Available {
			p.logger.Debug("host skipped", zap.String("host_id", h.ID), zap.String("reason", r.Reason))
			continue
		}
		candidates = append(candidates, Candidate{HostID: h.ID, Score: Score(r.Capacity), Capacity: r.Capacity})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	return candidates, nil
}

// FindBestHost returns the highest scoring online host that can fit req. When
// none qualifies it returns a ResourceExhausted error.
func (p *Planner) FindBestHost(ctx context.Context, req models.Resources) (*Candidate, error) {
	candidates, err := p.Rank(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, errors.WithHint(
			errdefs.ResourceExhausted("no online host can fit cpu=%d memory=%d disk=%d", req.CPU, req.Memory, req.Disk),
			"No online host has enough capacity",
		)
	}
	best := candidates[0]
	p.logger.Debug("host selected", zap.String("host_id", best.HostID), zap.Float64("score", best.Score))
	return &best, nil
}

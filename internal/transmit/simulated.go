package transmit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/faxrelay/internal/common"
)

// SimulatedCarrier delivers into memory. Failures can be scripted for tests and demos.
type SimulatedCarrier struct {
	mu          sync.Mutex
	failNext    int
	loseAcks    int
	rejected    map[string]bool
	delivered   map[string]Receipt
	deliveries  map[string]int
	total       int
	log         *slog.Logger
	sendLatency time.Duration
}

func NewSimulatedCarrier(log *slog.Logger) *SimulatedCarrier {
	if log == nil {
		log = slog.Default()
	}
	return &SimulatedCarrier{
		rejected:   make(map[string]bool),
		delivered:  make(map[string]Receipt),
		deliveries: make(map[string]int),
		log:        log,
	}
}

// FailNext makes the next n sends fail transiently without delivering.
func (c *SimulatedCarrier) FailNext(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = n
}

// LoseAcks makes the next n sends deliver but report a transient failure.
func (c *SimulatedCarrier) LoseAcks(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loseAcks = n
}

// Reject makes every send to destination fail permanently.
func (c *SimulatedCarrier) Reject(destination string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected[destination] = true
}

// SetLatency delays every send.
func (c *SimulatedCarrier) SetLatency(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendLatency = d
}

// Deliveries is the number of faxes that physically went out.
func (c *SimulatedCarrier) Deliveries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// DeliveriesFor is the number of times the given job's faxes went out.
func (c *SimulatedCarrier) DeliveriesFor(jobID uuid.UUID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deliveries[jobID.String()]
}

func (c *SimulatedCarrier) Send(ctx context.Context, pkg Package, destination string) (Receipt, error) {
	c.mu.Lock()
	latency := c.sendLatency
	c.mu.Unlock()
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.rejected[destination]:
		return Receipt{}, common.Permanent(fmt.Errorf("destination %s rejected", destination))
	case c.failNext > 0:
		c.failNext--
		return Receipt{}, common.Transient(errors.New("line busy"))
	}

	rc := Receipt{CarrierID: "sim-" + pkg.Token[:8], DeliveredAt: time.Now().UTC()}
	c.delivered[pkg.Token] = rc
	c.deliveries[pkg.JobID.String()]++
	c.total++
	c.log.Debug("carrier.simulated.delivered", "job_id", pkg.JobID, "fields", len(pkg.Fields), "bytes", len(pkg.Document))

	if c.loseAcks > 0 {
		c.loseAcks--
		return Receipt{}, common.Transient(errors.New("acknowledgement lost"))
	}
	return rc, nil
}

func (c *SimulatedCarrier) Lookup(_ context.Context, token string) (Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rc, ok := c.delivered[token]
	if !ok {
		return Receipt{}, fmt.Errorf("token %s: %w", token, common.ErrNotFound)
	}
	return rc, nil
}

// Package controller implements the façade consumed by the (out-of-scope)
// external HTTP API: accept a measurement request, enumerate the agents
// eligible to run it, seed round 1 for each, and record the measurement
// (spec §2 item 5).
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/traceroute-cloud/iris/internal/bus"
	"github.com/traceroute-cloud/iris/internal/database"
	"github.com/traceroute-cloud/iris/internal/model"
)

// registry is the slice of *database.Registry the controller actually
// calls, narrowed so tests can substitute an in-memory fake instead of a
// live ClickHouse connection.
type registry interface {
	CreateMeasurement(ctx context.Context, req model.MeasurementRequest) error
	Register(ctx context.Context, req model.MeasurementRequest, agentUUID uuid.UUID, params model.AgentParameters) error
}

// Controller is the measurement-acceptance façade.
type Controller struct {
	bus      *bus.Bus
	registry registry
	logger   *slog.Logger
}

// New returns a ready Controller.
func New(b *bus.Bus, reg *database.Registry, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{bus: b, registry: reg, logger: logger}
}

// ErrNoEligibleAgents is returned when none of a request's named agents are
// currently live on the bus.
var ErrNoEligibleAgents = errors.New("controller: no eligible agents for measurement")

// CreateMeasurement accepts a measurement request: it filters the
// requested agents down to those currently advertising liveness on the
// bus, records the measurement and each eligible agent's participation,
// marks the measurement Ongoing on the bus, and seeds round 1 for every
// eligible agent (spec §2 item 5, §3 Measurement lifecycle: "created when
// the controller accepts a request").
func (c *Controller) CreateMeasurement(ctx context.Context, req model.MeasurementRequest) error {
	if len(req.Agents) == 0 {
		return fmt.Errorf("controller: measurement request names no agents")
	}

	eligible, err := c.eligibleAgents(ctx, req)
	if err != nil {
		return err
	}
	if len(eligible) == 0 {
		return ErrNoEligibleAgents
	}

	if err := c.registry.CreateMeasurement(ctx, req); err != nil {
		return fmt.Errorf("controller: create measurement: %w", err)
	}

	for _, agentReq := range eligible {
		params, err := c.bus.GetAgentRegistration(ctx, agentReq.AgentUUID.String())
		if err != nil {
			return fmt.Errorf("controller: re-read registration for %s: %w", agentReq.AgentUUID, err)
		}
		if err := c.registry.Register(ctx, req, agentReq.AgentUUID, params.Parameters); err != nil {
			return fmt.Errorf("controller: register agent %s: %w", agentReq.AgentUUID, err)
		}
	}

	if err := c.bus.SetMeasurementState(ctx, req.UUID.String(), model.AgentOngoing); err != nil {
		return fmt.Errorf("controller: set measurement state: %w", err)
	}

	channel := bus.TasksChannel(req.UUID.String())
	for _, agentReq := range eligible {
		task := model.RoundTask{
			MeasurementUUID: req.UUID,
			AgentUUID:       agentReq.AgentUUID,
			RoundNumber:     1,
			ToolParameters:  agentReq.ToolParameters,
			ProbingRate:     agentReq.ProbingRate,
			TargetFileKey:   agentReq.TargetFile,
			Username:        req.User,
		}
		if err := c.bus.Publish(ctx, channel, task); err != nil {
			return fmt.Errorf("controller: publish round 1 for agent %s: %w", agentReq.AgentUUID, err)
		}
	}

	c.logger.Info("measurement created", "measurement", req.UUID, "agents_requested", len(req.Agents), "agents_eligible", len(eligible))
	return nil
}

// CancelMeasurement sets the measurement's bus state to Canceled: agents'
// stoppers observe this on their next poll and the worker's round pipeline
// observes it before dispatching any further round (spec §5 Cancellation,
// §9: absence and explicit Canceled are treated identically by the
// stopper, but the controller always writes the explicit value so that an
// operator-visible bus read shows the reason).
func (c *Controller) CancelMeasurement(ctx context.Context, measurementUUID uuid.UUID) error {
	return c.bus.SetMeasurementState(ctx, measurementUUID.String(), model.AgentCanceled)
}

// eligibleAgents filters req.Agents down to those with a live registration
// on the bus. An agent request naming an unregistered or expired agent is
// dropped, not an error, so a partially-available fleet still runs on the
// agents that are up.
func (c *Controller) eligibleAgents(ctx context.Context, req model.MeasurementRequest) ([]model.AgentRequest, error) {
	eligible := make([]model.AgentRequest, 0, len(req.Agents))
	for _, agentReq := range req.Agents {
		_, err := c.bus.GetAgentRegistration(ctx, agentReq.AgentUUID.String())
		if errors.Is(err, bus.ErrNotFound) {
			c.logger.Warn("agent not eligible: no live registration", "agent", agentReq.AgentUUID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("controller: check agent %s liveness: %w", agentReq.AgentUUID, err)
		}
		eligible = append(eligible, agentReq)
	}
	return eligible, nil
}

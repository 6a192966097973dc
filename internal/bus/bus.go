// Package bus implements the shared key/value + pub/sub substrate used for
// agent liveness, measurement state, and task dispatch (spec §4.4), backed
// by Redis.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/traceroute-cloud/iris/internal/config"
	"github.com/traceroute-cloud/iris/internal/model"
)

// ErrNotFound is returned when a key-based lookup finds nothing, used by
// callers that treat absence the same as an explicit Canceled state
// (spec §9 design note).
var ErrNotFound = errors.New("bus: key not found")

// Bus is the adapter over Redis implementing spec §4.4's operations.
type Bus struct {
	rdb               *redis.Client
	heartbeatInterval time.Duration
}

// New dials Redis and returns a ready Bus. It does not itself retry; callers
// wrap transient operations with backoff per spec §4.1/§7.
func New(cfg config.BusConfig) (*Bus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("bus: connect to redis: %w", err)
	}

	return &Bus{rdb: rdb, heartbeatInterval: cfg.HeartbeatInterval}, nil
}

// Close releases the underlying Redis connection pool.
func (b *Bus) Close() error {
	return b.rdb.Close()
}

func agentStateKey(agent string) string      { return "agent:" + agent + ":state" }
func agentParametersKey(agent string) string { return "agent:" + agent + ":parameters" }
func measurementStateKey(m string) string    { return "measurement:" + m + ":state" }

// TasksChannel names the per-measurement channel the worker publishes
// RoundTasks on (spec §4.4 illustrative key `measurement:<uuid>:tasks`).
// Agents subscribe and discard tasks addressed to another agent_uuid.
func TasksChannel(measurementUUID string) string { return "measurement:" + measurementUUID + ":tasks" }

// RoundCompleteChannel names the channel agents publish RoundComplete
// notifications on for the worker to consume (spec §4.2 trigger, §5
// backpressure: "round-complete notifications queue on the bus").
func RoundCompleteChannel() string { return "worker:round_complete" }

// Register publishes initial agent liveness with a TTL of 5x the configured
// heartbeat interval (spec §4.4).
func (b *Bus) Register(ctx context.Context, agentUUID string, reg model.AgentRegistration) error {
	payload, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("bus: marshal registration: %w", err)
	}
	ttl := 5 * b.heartbeatInterval
	return b.rdb.Set(ctx, agentStateKey(agentUUID), payload, ttl).Err()
}

// GetAgentRegistration reads back the liveness record an agent published
// via Register, for the controller's eligible-agent enumeration (spec §2
// item 5). Absence (expired TTL or never registered) is reported as
// ErrNotFound.
func (b *Bus) GetAgentRegistration(ctx context.Context, agentUUID string) (model.AgentRegistration, error) {
	val, err := b.rdb.Get(ctx, agentStateKey(agentUUID)).Result()
	if errors.Is(err, redis.Nil) {
		return model.AgentRegistration{}, ErrNotFound
	}
	if err != nil {
		return model.AgentRegistration{}, fmt.Errorf("bus: get agent registration: %w", err)
	}
	var reg model.AgentRegistration
	if err := json.Unmarshal([]byte(val), &reg); err != nil {
		return model.AgentRegistration{}, fmt.Errorf("bus: unmarshal agent registration: %w", err)
	}
	return reg, nil
}

// Heartbeat refreshes an agent's liveness TTL without altering its value.
func (b *Bus) Heartbeat(ctx context.Context, agentUUID string) error {
	ttl := 5 * b.heartbeatInterval
	ok, err := b.rdb.Expire(ctx, agentStateKey(agentUUID), ttl).Result()
	if err != nil {
		return fmt.Errorf("bus: heartbeat: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// SetAgentParameters stores the agent's advertised capabilities.
func (b *Bus) SetAgentParameters(ctx context.Context, agentUUID string, params model.AgentParameters) error {
	payload, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("bus: marshal agent parameters: %w", err)
	}
	return b.rdb.Set(ctx, agentParametersKey(agentUUID), payload, 0).Err()
}

// SetAgentState updates an agent's advertised lifecycle state (idle,
// working, unknown) — distinct from model.AgentState, which the registry
// owns.
func (b *Bus) SetAgentState(ctx context.Context, agentUUID string, state model.AgentLifecycleState) error {
	return b.rdb.Set(ctx, agentStateKey(agentUUID)+":lifecycle", string(state), 0).Err()
}

// GetMeasurementState reads the bus value for a measurement. Absence is
// reported as ErrNotFound; callers that implement the stopper (spec §9)
// must treat ErrNotFound identically to an explicit Canceled value.
func (b *Bus) GetMeasurementState(ctx context.Context, measurementUUID string) (model.AgentState, error) {
	val, err := b.rdb.Get(ctx, measurementStateKey(measurementUUID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("bus: get measurement state: %w", err)
	}
	return model.AgentState(val), nil
}

// SetMeasurementState writes the bus value for a measurement.
func (b *Bus) SetMeasurementState(ctx context.Context, measurementUUID string, state model.AgentState) error {
	return b.rdb.Set(ctx, measurementStateKey(measurementUUID), string(state), 0).Err()
}

// DeleteMeasurementState removes the bus value for a measurement. Its
// absence is what the stopper treats as cancellation (spec §9).
func (b *Bus) DeleteMeasurementState(ctx context.Context, measurementUUID string) error {
	return b.rdb.Del(ctx, measurementStateKey(measurementUUID)).Err()
}

// Publish sends a RoundTask on the given channel for a worker-to-agent
// dispatch (spec §3/§4.2).
func (b *Bus) Publish(ctx context.Context, channel string, task model.RoundTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("bus: marshal round task: %w", err)
	}
	return b.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe returns a channel of RoundTask decoded from the given Redis
// pub/sub channel. The returned cleanup func must be called to release the
// underlying subscription.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan model.RoundTask, func() error) {
	sub := b.rdb.Subscribe(ctx, channel)
	raw := sub.Channel()

	out := make(chan model.RoundTask)
	go func() {
		defer close(out)
		for msg := range raw {
			var task model.RoundTask
			if err := json.Unmarshal([]byte(msg.Payload), &task); err != nil {
				continue
			}
			select {
			case out <- task:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, sub.Close
}

// allTasksPattern matches every measurement's tasks channel, letting a
// single agent process subscribe once instead of tracking the set of
// measurement UUIDs it currently participates in.
const allTasksPattern = "measurement:*:tasks"

// SubscribeAllTasks pattern-subscribes across every measurement's tasks
// channel (spec §2 item 3: the agent "consumes a round task from the bus"
// without being told in advance which measurement_uuids it will see).
// Callers filter the stream down to their own agent_uuid.
func (b *Bus) SubscribeAllTasks(ctx context.Context) (<-chan model.RoundTask, func() error) {
	sub := b.rdb.PSubscribe(ctx, allTasksPattern)
	raw := sub.Channel()

	out := make(chan model.RoundTask)
	go func() {
		defer close(out)
		for msg := range raw {
			var task model.RoundTask
			if err := json.Unmarshal([]byte(msg.Payload), &task); err != nil {
				continue
			}
			select {
			case out <- task:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, sub.Close
}

// PublishRoundComplete notifies the worker that an agent's round finished
// (spec §4.2 trigger).
func (b *Bus) PublishRoundComplete(ctx context.Context, channel string, complete model.RoundComplete) error {
	payload, err := json.Marshal(complete)
	if err != nil {
		return fmt.Errorf("bus: marshal round complete: %w", err)
	}
	return b.rdb.Publish(ctx, channel, payload).Err()
}

// SubscribeRoundComplete returns a channel of RoundComplete decoded from the
// given Redis pub/sub channel, mirroring Subscribe.
func (b *Bus) SubscribeRoundComplete(ctx context.Context, channel string) (<-chan model.RoundComplete, func() error) {
	sub := b.rdb.Subscribe(ctx, channel)
	raw := sub.Channel()

	out := make(chan model.RoundComplete)
	go func() {
		defer close(out)
		for msg := range raw {
			var complete model.RoundComplete
			if err := json.Unmarshal([]byte(msg.Payload), &complete); err != nil {
				continue
			}
			select {
			case out <- complete:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, sub.Close
}

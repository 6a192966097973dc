package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAgentStateIsTerminal(t *testing.T) {
	assert.False(t, AgentCreated.IsTerminal())
	assert.False(t, AgentOngoing.IsTerminal())
	assert.True(t, AgentFinished.IsTerminal())
	assert.True(t, AgentCanceled.IsTerminal())
	assert.True(t, AgentFailureState.IsTerminal())
}

func TestAgentStateCanTransitionTo(t *testing.T) {
	assert.True(t, AgentCreated.CanTransitionTo(AgentOngoing))
	assert.True(t, AgentOngoing.CanTransitionTo(AgentFinished))
	assert.True(t, AgentOngoing.CanTransitionTo(AgentCanceled))
	assert.True(t, AgentOngoing.CanTransitionTo(AgentFailureState))

	// Downgrades are rejected.
	assert.False(t, AgentOngoing.CanTransitionTo(AgentCreated))
	assert.False(t, AgentFinished.CanTransitionTo(AgentOngoing))

	// Terminal states never move again.
	assert.False(t, AgentFinished.CanTransitionTo(AgentCanceled))
	assert.False(t, AgentCanceled.CanTransitionTo(AgentFinished))
	assert.False(t, AgentFailureState.CanTransitionTo(AgentFinished))
}

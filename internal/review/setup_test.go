package review

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rogers-f/taskengine/internal/agent"
	"github.com/rogers-f/taskengine/internal/config"
	"github.com/rogers-f/taskengine/internal/domain"
)

func TestConsensusFromConfig(t *testing.T) {
	reg, err := agent.RegistryFromConfig(map[string]config.ResourceConfig{
		"claude": {Provider: "anthropic", Command: "true"},
		"codex":  {Provider: "openai", Command: "true"},
	})
	require.NoError(t, err)
	voters := []config.VoterConfig{
		{ID: "v1", Provider: "anthropic", Resource: "claude"},
		{ID: "v2", Provider: "openai", Resource: "codex"},
	}

	cons, err := ConsensusFromConfig(config.Review{GatesOnly: true}, reg)
	require.NoError(t, err)
	assert.Nil(t, cons)

	_, err = ConsensusFromConfig(config.Review{}, reg)
	assert.ErrorIs(t, err, domain.ErrConsensusMisconfigured, "no voters without gates_only")

	_, err = ConsensusFromConfig(config.Review{GatesOnly: true, Voters: voters}, reg)
	assert.ErrorIs(t, err, domain.ErrConsensusMisconfigured)

	cons, err = ConsensusFromConfig(config.Review{Voters: voters}, reg)
	require.NoError(t, err)
	assert.Equal(t, DefaultMinApprovals, cons.Quorum())
}

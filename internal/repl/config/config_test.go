package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threeMemberConfig() *ReplSetConfig {
	return &ReplSetConfig{
		Name:    "rs0",
		Version: 1,
		Members: []MemberConfig{
			{ID: 0, Host: "node0:27017", Priority: 1, Votes: 1},
			{ID: 1, Host: "node1:27017", Priority: 1, Votes: 1},
			{ID: 2, Host: "node2:27017", Priority: 1, Votes: 1},
		},
	}
}

func TestValidate(t *testing.T) {
	t.Run("accepts a valid config and fills defaults", func(t *testing.T) {
		cfg := threeMemberConfig()
		require.NoError(t, cfg.Validate())

		assert.Equal(t, DefaultHeartbeatInterval, cfg.Settings.HeartbeatInterval)
		assert.Equal(t, DefaultElectionTimeout, cfg.Settings.ElectionTimeout)
		assert.Equal(t, DefaultCatchUpTimeout, cfg.Settings.CatchUpTimeout)
		assert.Equal(t, DefaultElectionOffsetFraction, cfg.Settings.ElectionOffsetFraction)
	})

	t.Run("keeps explicit settings", func(t *testing.T) {
		cfg := threeMemberConfig()
		cfg.Settings = Settings{
			HeartbeatInterval:      500 * time.Millisecond,
			ElectionTimeout:        3 * time.Second,
			CatchUpTimeout:         time.Minute,
			ElectionOffsetFraction: 0.25,
		}
		require.NoError(t, cfg.Validate())

		assert.Equal(t, 500*time.Millisecond, cfg.Settings.HeartbeatInterval)
		assert.Equal(t, 3*time.Second, cfg.Settings.ElectionTimeout)
		assert.Equal(t, time.Minute, cfg.Settings.CatchUpTimeout)
		assert.Equal(t, 0.25, cfg.Settings.ElectionOffsetFraction)
	})

	t.Run("rejects structural defects", func(t *testing.T) {
		tests := []struct {
			name   string
			mutate func(*ReplSetConfig)
		}{
			{"missing name", func(c *ReplSetConfig) { c.Name = "" }},
			{"version below one", func(c *ReplSetConfig) { c.Version = 0 }},
			{"no members", func(c *ReplSetConfig) { c.Members = nil }},
			{"missing host", func(c *ReplSetConfig) { c.Members[1].Host = "" }},
			{"duplicate id", func(c *ReplSetConfig) { c.Members[1].ID = 0 }},
			{"duplicate host", func(c *ReplSetConfig) { c.Members[1].Host = c.Members[0].Host }},
			{"negative priority", func(c *ReplSetConfig) { c.Members[2].Priority = -1 }},
			{"vote weight above one", func(c *ReplSetConfig) { c.Members[0].Votes = 2 }},
			{"arbiter with priority", func(c *ReplSetConfig) { c.Members[2].ArbiterOnly = true }},
			{"no voting members", func(c *ReplSetConfig) {
				for i := range c.Members {
					c.Members[i].Votes = 0
				}
			}},
		}

		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				cfg := threeMemberConfig()
				tc.mutate(cfg)
				assert.Error(t, cfg.Validate())
			})
		}
	})
}

func TestIsElectable(t *testing.T) {
	assert.True(t, MemberConfig{Priority: 1, Votes: 1}.IsElectable())
	assert.False(t, MemberConfig{Priority: 0, Votes: 1}.IsElectable())
	assert.False(t, MemberConfig{Priority: 1, Votes: 0}.IsElectable())
	assert.False(t, MemberConfig{Priority: 0, Votes: 1, ArbiterOnly: true}.IsElectable())
}

func TestVoteWeights(t *testing.T) {
	cfg := threeMemberConfig()
	cfg.Members = append(cfg.Members,
		MemberConfig{ID: 3, Host: "node3:27017", Priority: 0, Votes: 0, Hidden: true},
		MemberConfig{ID: 4, Host: "node4:27017", Priority: 0, Votes: 1, ArbiterOnly: true},
	)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 4, cfg.TotalVoteWeight())
	assert.Equal(t, 3, cfg.MajorityVoteWeight())

	t.Run("single node majority is one", func(t *testing.T) {
		single := &ReplSetConfig{
			Name:    "solo",
			Version: 1,
			Members: []MemberConfig{{ID: 0, Host: "node0:27017", Priority: 1, Votes: 1}},
		}
		require.NoError(t, single.Validate())
		assert.Equal(t, 1, single.MajorityVoteWeight())
	})
}

func TestMemberLookup(t *testing.T) {
	cfg := threeMemberConfig()

	m, err := cfg.MemberAt(1)
	require.NoError(t, err)
	assert.Equal(t, int32(1), m.ID)

	_, err = cfg.MemberAt(3)
	assert.Error(t, err)
	_, err = cfg.MemberAt(-1)
	assert.Error(t, err)

	assert.Equal(t, 2, cfg.FindMemberIndex(2))
	assert.Equal(t, -1, cfg.FindMemberIndex(42))
}

func TestElectableRank(t *testing.T) {
	cfg := &ReplSetConfig{
		Name:    "rs0",
		Version: 1,
		Members: []MemberConfig{
			{ID: 0, Host: "node0:27017", Priority: 1, Votes: 1},
			{ID: 1, Host: "node1:27017", Priority: 3, Votes: 1},
			{ID: 2, Host: "node2:27017", Priority: 0, Votes: 1},
			{ID: 3, Host: "node3:27017", Priority: 3, Votes: 1},
		},
	}
	require.NoError(t, cfg.Validate())

	// Priority 3 members come first, ties broken by member index.
	assert.Equal(t, 0, cfg.ElectableRank(1))
	assert.Equal(t, 1, cfg.ElectableRank(3))
	assert.Equal(t, 2, cfg.ElectableRank(0))

	// Priority-zero members have no rank.
	assert.Equal(t, -1, cfg.ElectableRank(2))
	assert.Equal(t, -1, cfg.ElectableRank(7))
}

func TestLoad(t *testing.T) {
	t.Run("parses a full config file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "replset.yaml")
		data := `
name: rs0
version: 2
members:
  - id: 0
    host: node0:27017
    priority: 2
    votes: 1
  - id: 1
    host: node1:27017
    priority: 1
    votes: 1
  - id: 2
    host: node2:27017
    priority: 0
    votes: 0
    hidden: true
settings:
  heartbeatInterval: 500ms
  electionTimeout: 3s
  catchUpTimeout: 20s
  electionOffsetFraction: 0.2
`
		require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "rs0", cfg.Name)
		assert.Equal(t, int64(2), cfg.Version)
		require.Len(t, cfg.Members, 3)
		assert.Equal(t, 2.0, cfg.Members[0].Priority)
		assert.True(t, cfg.Members[2].Hidden)
		assert.Equal(t, 500*time.Millisecond, cfg.Settings.HeartbeatInterval)
		assert.Equal(t, 3*time.Second, cfg.Settings.ElectionTimeout)
		assert.Equal(t, 20*time.Second, cfg.Settings.CatchUpTimeout)
		assert.Equal(t, 0.2, cfg.Settings.ElectionOffsetFraction)
	})

	t.Run("fails on a bad duration string", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "replset.yaml")
		data := `
name: rs0
version: 1
members:
  - id: 0
    host: node0:27017
    priority: 1
    votes: 1
settings:
  electionTimeout: soon
`
		require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

		_, err := Load(path)
		assert.ErrorContains(t, err, "electionTimeout")
	})

	t.Run("fails on an invalid config", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "replset.yaml")
		require.NoError(t, os.WriteFile(path, []byte("name: rs0\nversion: 0\n"), 0o644))

		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("fails on a missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}

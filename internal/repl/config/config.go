package config

import (
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultHeartbeatInterval is how often every member probes its peers.
	DefaultHeartbeatInterval = 2 * time.Second
	// DefaultElectionTimeout is the period a secondary waits without hearing
	// from a primary before standing for election.
	DefaultElectionTimeout = 10 * time.Second
	// DefaultCatchUpTimeout bounds the post-election catch-up wait.
	DefaultCatchUpTimeout = 30 * time.Second
	// DefaultElectionOffsetFraction bounds the randomized offset added to the
	// election timeout so that members do not all stand at once. The offset is
	// drawn uniformly from [0, electionTimeout * fraction].
	DefaultElectionOffsetFraction = 0.15
)

// MemberConfig describes one member of the replica set. It is immutable once
// part of a published ReplSetConfig.
type MemberConfig struct {
	// ID is a stable small integer, unique within one ReplSetConfig.
	ID int32 `yaml:"id"`
	// Host is the member's network endpoint, host:port.
	Host string `yaml:"host"`
	// Priority influences which member should be primary. Zero means the
	// member never stands for election. Higher-priority secondaries unseat
	// lower-priority primaries via priority takeover.
	Priority float64 `yaml:"priority"`
	// Votes is the member's vote weight, 0 or 1.
	Votes int `yaml:"votes"`
	// Hidden members never appear in client-facing topology output.
	Hidden bool `yaml:"hidden"`
	// ArbiterOnly members vote but hold no data.
	ArbiterOnly bool `yaml:"arbiterOnly"`
}

// IsElectable reports whether the member may ever stand for election.
func (m MemberConfig) IsElectable() bool {
	return m.Priority > 0 && m.Votes > 0 && !m.ArbiterOnly
}

// Settings holds the group-wide timing knobs.
type Settings struct {
	HeartbeatInterval      time.Duration `yaml:"-"`
	ElectionTimeout        time.Duration `yaml:"-"`
	CatchUpTimeout         time.Duration `yaml:"-"`
	ElectionOffsetFraction float64       `yaml:"electionOffsetFraction"`
}

// UnmarshalYAML parses the duration settings from Go duration strings
// ("2s", "500ms"), which yaml.v3 does not handle for time.Duration directly.
func (s *Settings) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		HeartbeatInterval      string  `yaml:"heartbeatInterval"`
		ElectionTimeout        string  `yaml:"electionTimeout"`
		CatchUpTimeout         string  `yaml:"catchUpTimeout"`
		ElectionOffsetFraction float64 `yaml:"electionOffsetFraction"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	parse := func(name, v string) (time.Duration, error) {
		if v == "" {
			return 0, nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s duration %q: %w", name, v, err)
		}
		return d, nil
	}

	var err error
	if s.HeartbeatInterval, err = parse("heartbeatInterval", raw.HeartbeatInterval); err != nil {
		return err
	}
	if s.ElectionTimeout, err = parse("electionTimeout", raw.ElectionTimeout); err != nil {
		return err
	}
	if s.CatchUpTimeout, err = parse("catchUpTimeout", raw.CatchUpTimeout); err != nil {
		return err
	}
	s.ElectionOffsetFraction = raw.ElectionOffsetFraction
	return nil
}

// ReplSetConfig is one immutable version of the group membership. A republish
// with a higher Version entirely replaces the previous config and invalidates
// any in-flight election.
type ReplSetConfig struct {
	Name     string         `yaml:"name"`
	Version  int64          `yaml:"version"`
	Members  []MemberConfig `yaml:"members"`
	Settings Settings       `yaml:"settings"`
}

// Validate checks structural invariants and fills in default timing settings.
func (c *ReplSetConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("replica set config must have a name")
	}
	if c.Version < 1 {
		return fmt.Errorf("replica set config version must be >= 1, got %d", c.Version)
	}
	if len(c.Members) == 0 {
		return fmt.Errorf("replica set config must have at least one member")
	}

	seenIDs := make(map[int32]bool, len(c.Members))
	seenHosts := make(map[string]bool, len(c.Members))
	votingMembers := 0
	for i, m := range c.Members {
		if m.Host == "" {
			return fmt.Errorf("member %d has no host", m.ID)
		}
		if seenIDs[m.ID] {
			return fmt.Errorf("duplicate member id %d", m.ID)
		}
		if seenHosts[m.Host] {
			return fmt.Errorf("duplicate member host %s", m.Host)
		}
		seenIDs[m.ID] = true
		seenHosts[m.Host] = true

		if m.Priority < 0 {
			return fmt.Errorf("member %d has negative priority %f", m.ID, m.Priority)
		}
		if m.Votes != 0 && m.Votes != 1 {
			return fmt.Errorf("member %d has vote weight %d, must be 0 or 1", m.ID, m.Votes)
		}
		if m.Votes > 0 {
			votingMembers++
		}
		if m.ArbiterOnly && m.Priority > 0 {
			return fmt.Errorf("member %d is an arbiter and cannot have priority %f", m.ID, m.Priority)
		}
		c.Members[i] = m
	}
	if votingMembers == 0 {
		return fmt.Errorf("replica set config must have at least one voting member")
	}

	if c.Settings.HeartbeatInterval <= 0 {
		c.Settings.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Settings.ElectionTimeout <= 0 {
		c.Settings.ElectionTimeout = DefaultElectionTimeout
	}
	if c.Settings.CatchUpTimeout <= 0 {
		c.Settings.CatchUpTimeout = DefaultCatchUpTimeout
	}
	if c.Settings.ElectionOffsetFraction <= 0 {
		c.Settings.ElectionOffsetFraction = DefaultElectionOffsetFraction
	}
	return nil
}

// MemberAt returns the member at the given index in the ordered member list.
func (c *ReplSetConfig) MemberAt(index int) (MemberConfig, error) {
	if index < 0 || index >= len(c.Members) {
		return MemberConfig{}, fmt.Errorf("member index %d out of range [0, %d)", index, len(c.Members))
	}
	return c.Members[index], nil
}

// FindMemberIndex returns the index of the member with the given ID, or -1.
func (c *ReplSetConfig) FindMemberIndex(id int32) int {
	for i, m := range c.Members {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// TotalVoteWeight is the sum of the vote weights of all members.
func (c *ReplSetConfig) TotalVoteWeight() int {
	total := 0
	for _, m := range c.Members {
		total += m.Votes
	}
	return total
}

// MajorityVoteWeight is the strict majority of the total vote weight; a
// candidate needs at least this many granted votes (its own included) to win.
func (c *ReplSetConfig) MajorityVoteWeight() int {
	return c.TotalVoteWeight()/2 + 1
}

// ElectableRank returns the member's position among electable members ordered
// by descending priority (ties broken by member index). Rank 0 is the most
// preferred candidate. Returns -1 if the member is not electable. The rank
// staggers priority-takeover delays so that multiple eligible members do not
// all stand at once.
func (c *ReplSetConfig) ElectableRank(index int) int {
	if index < 0 || index >= len(c.Members) || !c.Members[index].IsElectable() {
		return -1
	}

	type ranked struct {
		index    int
		priority float64
	}
	electable := make([]ranked, 0, len(c.Members))
	for i, m := range c.Members {
		if m.IsElectable() {
			electable = append(electable, ranked{index: i, priority: m.Priority})
		}
	}
	sort.SliceStable(electable, func(a, b int) bool {
		if electable[a].priority != electable[b].priority {
			return electable[a].priority > electable[b].priority
		}
		return electable[a].index < electable[b].index
	})

	for rank, e := range electable {
		if e.index == index {
			return rank
		}
	}
	return -1
}

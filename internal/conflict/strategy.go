package conflict

import (
	"fmt"
	"time"

	"github.com/aristath/coordinator/internal/errors"
)

// Built-in strategy names.
const (
	StrategyPriority  = "priority"
	StrategyTimestamp = "timestamp"
	StrategyVote      = "vote"
)

// Context carries the per-agent facts a strategy decides on. Missing
// entries are treated as zero values.
type Context struct {
	Priorities map[string]int
	Timestamps map[string]time.Time
	Votes      map[string]int
}

// Strategy picks a winner among a conflict's agents.
type Strategy interface {
	Name() string
	Resolve(c Conflict, ctx Context) (Resolution, error)
}

// PriorityStrategy awards the conflict to the highest priority. Ties go
// to the agent reported first.
type PriorityStrategy struct{}

func (PriorityStrategy) Name() string { return StrategyPriority }

func (s PriorityStrategy) Resolve(c Conflict, ctx Context) (Resolution, error) {
	if len(c.Agents) == 0 {
		return Resolution{}, fmt.Errorf("%s: %w", s.Name(), errors.ErrNoAgents)
	}
	winner := c.Agents[0]
	for _, a := range c.Agents[1:] {
		if ctx.Priorities[a] > ctx.Priorities[winner] {
			winner = a
		}
	}
	return newResolution(s.Name(), winner, c.Agents,
		fmt.Sprintf("highest priority (%d)", ctx.Priorities[winner])), nil
}

// TimestampStrategy awards the conflict to the earliest request.
type TimestampStrategy struct{}

func (TimestampStrategy) Name() string { return StrategyTimestamp }

func (s TimestampStrategy) Resolve(c Conflict, ctx Context) (Resolution, error) {
	if len(c.Agents) == 0 {
		return Resolution{}, fmt.Errorf("%s: %w", s.Name(), errors.ErrNoAgents)
	}
	winner := c.Agents[0]
	for _, a := range c.Agents[1:] {
		if ctx.Timestamps[a].Before(ctx.Timestamps[winner]) {
			winner = a
		}
	}
	return newResolution(s.Name(), winner, c.Agents, "earliest request"), nil
}

// VoteStrategy awards the conflict to the agent with the most votes.
type VoteStrategy struct{}

func (VoteStrategy) Name() string { return StrategyVote }

func (s VoteStrategy) Resolve(c Conflict, ctx Context) (Resolution, error) {
	if len(c.Agents) == 0 {
		return Resolution{}, fmt.Errorf("%s: %w", s.Name(), errors.ErrNoAgents)
	}
	winner := c.Agents[0]
	for _, a := range c.Agents[1:] {
		if ctx.Votes[a] > ctx.Votes[winner] {
			winner = a
		}
	}
	return newResolution(s.Name(), winner, c.Agents,
		fmt.Sprintf("most votes (%d)", ctx.Votes[winner])), nil
}

func newResolution(strategy, winner string, agents []string, reason string) Resolution {
	losers := make([]string, 0, len(agents)-1)
	for _, a := range agents {
		if a != winner {
			losers = append(losers, a)
		}
	}
	return Resolution{Strategy: strategy, Winner: winner, Losers: losers, Reason: reason}
}

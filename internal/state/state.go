package state

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Perpetuals is the global configuration written by init.
type Perpetuals struct {
	Permissions         Permissions `json:"permissions"`
	MinSignatures       uint8       `json:"min_signatures"`
	Admin               string      `json:"admin"`
	Keeper              string      `json:"keeper"`
	RewardTokenMint     string      `json:"reward_token_mint"`
	RewardTokenDecimals uint8       `json:"reward_token_decimals"`
	InceptionTime       int64       `json:"inception_time"`
}

// State is every entity the engine owns, looked up by natural key.
type State struct {
	Perpetuals   *Perpetuals             `json:"perpetuals"`
	Cortex       *Cortex                 `json:"cortex"`
	Pools        map[string]*Pool        `json:"pools"`
	Custodies    map[string]*Custody     `json:"custodies"`
	Positions    map[uuid.UUID]*Position `json:"positions"`
	Stakings     map[string]*Staking     `json:"stakings"`
	UserStakings map[string]*UserStaking `json:"user_stakings"`
}

func New() *State {
	return &State{
		Pools:        make(map[string]*Pool),
		Custodies:    make(map[string]*Custody),
		Positions:    make(map[uuid.UUID]*Position),
		Stakings:     make(map[string]*Staking),
		UserStakings: make(map[string]*UserStaking),
	}
}

func (s *State) Initialized() bool {
	return s.Perpetuals != nil
}

// Clone deep-copies the state so a failed operation can be rolled back.
func (s *State) Clone() *State {
	c := New()
	if s.Perpetuals != nil {
		p := *s.Perpetuals
		c.Perpetuals = &p
	}
	if s.Cortex != nil {
		c.Cortex = s.Cortex.Clone()
	}
	for k, v := range s.Pools {
		c.Pools[k] = v.Clone()
	}
	for k, v := range s.Custodies {
		c.Custodies[k] = v.Clone()
	}
	for k, v := range s.Positions {
		c.Positions[k] = v.Clone()
	}
	for k, v := range s.Stakings {
		c.Stakings[k] = v.Clone()
	}
	for k, v := range s.UserStakings {
		c.UserStakings[k] = v.Clone()
	}
	return c
}

func (s *State) Pool(name string) (*Pool, error) {
	p, ok := s.Pools[name]
	if !ok {
		return nil, fmt.Errorf("%w: pool %s", ErrInvalidPoolState, name)
	}
	return p, nil
}

func (s *State) Custody(id string) (*Custody, error) {
	c, ok := s.Custodies[id]
	if !ok {
		return nil, fmt.Errorf("%w: custody %s", ErrUnsupportedToken, id)
	}
	return c, nil
}

func (s *State) Position(id uuid.UUID) (*Position, error) {
	p, ok := s.Positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: position %s", ErrInvalidPositionState, id)
	}
	return p, nil
}

func (s *State) Staking(id string) (*Staking, error) {
	st, ok := s.Stakings[id]
	if !ok {
		return nil, fmt.Errorf("%w: staking %s", ErrInvalidStakingRoundState, id)
	}
	return st, nil
}

// UserStaking returns the record of owner in a staking, or nil.
func (s *State) UserStaking(owner, stakingID string) *UserStaking {
	return s.UserStakings[UserStakingKey(owner, stakingID)]
}

// PoolCustodies returns the pool's custodies in token order.
func (s *State) PoolCustodies(p *Pool) ([]*Custody, error) {
	out := make([]*Custody, 0, len(p.Tokens))
	for _, t := range p.Tokens {
		c, err := s.Custody(t.Custody)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// CustodyByMint finds the custody of mint in a pool.
func (s *State) CustodyByMint(pool, mint string) (*Custody, bool) {
	c, ok := s.Custodies[CustodyID(pool, mint)]
	return c, ok
}

// StakingIDs are sorted for deterministic iteration.
func (s *State) StakingIDs() []string {
	ids := make([]string, 0, len(s.Stakings))
	for id := range s.Stakings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *State) PoolNames() []string {
	names := make([]string, 0, len(s.Pools))
	for n := range s.Pools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// PositionsOf lists an owner's positions ordered by id.
func (s *State) PositionsOf(owner string) []*Position {
	var out []*Position
	for _, p := range s.Positions {
		if p.Owner == owner {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

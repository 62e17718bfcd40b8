package state

import (
	"fmt"

	"PerpPool/internal/math"
)

const (
	// FeeToRewardRatioBPS converts collected fee USD into LM tokens.
	FeeToRewardRatioBPS  uint64 = 10
	EpochDurationSeconds int64  = 172_800

	DefaultLMStakersFeeShare uint64 = 3_000

	LMMint         = "LM"
	GovernanceMint = "GOV"
)

type BucketName uint8

const (
	BucketCoreContributor BucketName = iota
	BucketDAOTreasury
	BucketPOL
	BucketEcosystem
)

var bucketNames = [...]string{"core_contributor", "dao_treasury", "pol", "ecosystem"}

func (b BucketName) String() string {
	if int(b) < len(bucketNames) {
		return bucketNames[b]
	}
	return "unknown"
}

func ParseBucketName(s string) (BucketName, error) {
	for i, n := range bucketNames {
		if n == s {
			return BucketName(i), nil
		}
	}
	return 0, fmt.Errorf("%w: bucket %q", ErrInvalidArgument, s)
}

func (b BucketName) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b *BucketName) UnmarshalText(text []byte) error {
	v, err := ParseBucketName(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

type Bucket struct {
	Allocation   uint64 `json:"allocation" yaml:"allocation"`
	MintedAmount uint64 `json:"minted_amount" yaml:"minted_amount"`
}

func (b Bucket) Headroom() uint64 {
	return math.SaturatingSub(b.Allocation, b.MintedAmount)
}

// Cortex is the engine-wide LM emission state.
type Cortex struct {
	Buckets                 [4]Bucket `json:"buckets"`
	InceptionTime           int64     `json:"inception_time"`
	InceptionEpoch          int64     `json:"inception_epoch"`
	LMStakersFeeShare       uint64    `json:"lm_stakers_fee_share"`
	LMTokenDecimals         uint8     `json:"lm_token_decimals"`
	GovernanceTokenDecimals uint8     `json:"governance_token_decimals"`
	GovernanceRealm         string    `json:"governance_realm"`
	GovernanceProgram       string    `json:"governance_program"`
	Vests                   []Vest    `json:"vests"`
}

// NewCortex starts emission at now with the given allocations, ordered as
// core contributor, DAO treasury, POL, ecosystem.
func NewCortex(allocations [4]uint64, now int64) *Cortex {
	c := &Cortex{
		InceptionTime:           now,
		InceptionEpoch:          now / EpochDurationSeconds,
		LMStakersFeeShare:       DefaultLMStakersFeeShare,
		LMTokenDecimals:         math.LMDecimals,
		GovernanceTokenDecimals: math.GovernanceDecimals,
	}
	for i, a := range allocations {
		c.Buckets[i].Allocation = a
	}
	return c
}

func (c *Cortex) Clone() *Cortex {
	cp := *c
	cp.Vests = append([]Vest(nil), c.Vests...)
	return &cp
}

func (c *Cortex) Bucket(name BucketName) (*Bucket, error) {
	if int(name) >= len(c.Buckets) {
		return nil, fmt.Errorf("%w: bucket %d", ErrInvalidArgument, name)
	}
	return &c.Buckets[name], nil
}

// Mint records amount against a bucket's cap.
func (c *Cortex) Mint(name BucketName, amount uint64) error {
	b, err := c.Bucket(name)
	if err != nil {
		return err
	}
	minted, err := math.CheckedAdd(b.MintedAmount, amount)
	if err != nil {
		return err
	}
	if minted > b.Allocation {
		return fmt.Errorf("%w: %s needs %d, headroom %d", ErrBucketMintLimit, name, amount, b.Headroom())
	}
	b.MintedAmount = minted
	return nil
}

func (c *Cortex) elapsedEpochs(now int64) uint64 {
	e := now/EpochDurationSeconds - c.InceptionEpoch
	if e < 1 {
		return 1
	}
	return uint64(e)
}

// EmissionRate decays with the number of epochs since inception, at
// RATE_DECIMALS.
func (c *Cortex) EmissionRate(now int64) uint64 {
	return math.RatePower / math.MaxU64(c.elapsedEpochs(now)/10, 1)
}

func (c *Cortex) decayed(amount uint64, now int64) (uint64, error) {
	v, err := math.MulDiv(amount, c.EmissionRate(now), math.RatePower, math.RoundDown)
	if err != nil {
		return 0, err
	}
	return math.MinU64(v, c.Buckets[BucketEcosystem].Headroom()), nil
}

// GetLMRewardsAmount is the LM minted from the ecosystem bucket to the user
// who paid feeUSD.
func (c *Cortex) GetLMRewardsAmount(feeUSD uint64, now int64) (uint64, error) {
	base, err := math.MulDiv(feeUSD, FeeToRewardRatioBPS, math.BPSPower, math.RoundDown)
	if err != nil {
		return 0, err
	}
	return c.decayed(base, now)
}

// GetRoundEmission is the LM a staking receives when resolving a round.
func (c *Cortex) GetRoundEmission(perRound uint64, now int64) (uint64, error) {
	return c.decayed(perRound, now)
}

// VestIndex finds the vest of owner.
func (c *Cortex) VestIndex(owner string) (int, error) {
	for i := range c.Vests {
		if c.Vests[i].Owner == owner {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: no vest for %s", ErrInvalidArgument, owner)
}

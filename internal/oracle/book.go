package oracle

import (
	"fmt"
	"sort"

	"PerpPool/internal/math"
)

type Kind uint8

const (
	KindNone Kind = iota
	KindCustom
	KindFeed
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindCustom:
		return "custom"
	case KindFeed:
		return "feed"
	default:
		return "unknown"
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "none", "":
		*k = KindNone
	case "custom":
		*k = KindCustom
	case "feed":
		*k = KindFeed
	default:
		return fmt.Errorf("oracle: unknown kind %q", string(b))
	}
	return nil
}

// Params is the oracle configuration of a custody.
type Params struct {
	AccountRef     string `json:"account_ref" yaml:"account_ref"`
	Kind           Kind   `json:"kind" yaml:"kind"`
	MaxPriceError  uint64 `json:"max_price_error" yaml:"max_price_error"` // BPS of price
	MaxPriceAgeSec uint32 `json:"max_price_age_sec" yaml:"max_price_age_sec"`
	// Authority is the base64 ed25519 key that signs permissionless
	// custom price updates.
	Authority string `json:"authority,omitempty" yaml:"authority"`
}

func (p Params) Validate() error {
	if p.Kind != KindNone && p.AccountRef == "" {
		return fmt.Errorf("oracle params: kind %s requires an account ref", p.Kind)
	}
	if p.Authority != "" {
		if _, err := DecodeAuthority(p.Authority); err != nil {
			return fmt.Errorf("oracle params: %w", err)
		}
	}
	return nil
}

// PriceRecord is what a feed publishes for one account.
type PriceRecord struct {
	Price       uint64 `json:"price"`
	Exponent    int32  `json:"exponent"`
	Confidence  uint64 `json:"confidence"`
	EMA         uint64 `json:"ema"`
	PublishTime int64  `json:"publish_time"`
}

// Book is the engine-owned view of the latest published prices. It is only
// mutated by the set_oracle_price operation so replays stay deterministic.
type Book struct {
	records map[string]PriceRecord
}

func NewBook() *Book {
	return &Book{records: make(map[string]PriceRecord)}
}

func (b *Book) Set(accountRef string, rec PriceRecord) error {
	if accountRef == "" || rec.Price == 0 {
		return ErrInvalidOraclePrice
	}
	if prev, ok := b.records[accountRef]; ok && rec.PublishTime < prev.PublishTime {
		return fmt.Errorf("%w: publish time %d older than %d", ErrInvalidOraclePrice, rec.PublishTime, prev.PublishTime)
	}
	b.records[accountRef] = rec
	return nil
}

func (b *Book) Get(accountRef string) (PriceRecord, bool) {
	rec, ok := b.records[accountRef]
	return rec, ok
}

// Read returns the spot and EMA prices for a custody, failing with
// ErrStaleOracle when the record is too old or its confidence too wide.
// When useEMA is false, or no EMA is published, the EMA equals spot.
func (b *Book) Read(params Params, now int64, useEMA bool) (spot, ema OraclePrice, err error) {
	rec, ok := b.records[params.AccountRef]
	if !ok {
		return OraclePrice{}, OraclePrice{}, fmt.Errorf("%w: %s", ErrUnknownOracle, params.AccountRef)
	}
	if now-rec.PublishTime > int64(params.MaxPriceAgeSec) {
		return OraclePrice{}, OraclePrice{}, fmt.Errorf("%w: age %ds exceeds %ds", ErrStaleOracle, now-rec.PublishTime, params.MaxPriceAgeSec)
	}
	if params.MaxPriceError > 0 && rec.Confidence > 0 {
		spread, err := math.MulDiv(rec.Confidence, math.BPSPower, rec.Price, math.RoundDown)
		if err != nil {
			return OraclePrice{}, OraclePrice{}, err
		}
		if spread > params.MaxPriceError {
			return OraclePrice{}, OraclePrice{}, fmt.Errorf("%w: confidence %d bps exceeds %d", ErrStaleOracle, spread, params.MaxPriceError)
		}
	}

	spot = OraclePrice{Price: rec.Price, Exponent: rec.Exponent}
	ema = spot
	if useEMA && rec.EMA > 0 {
		ema = OraclePrice{Price: rec.EMA, Exponent: rec.Exponent}
	}
	return spot, ema, nil
}

// Accounts lists the known account refs in sorted order.
func (b *Book) Accounts() []string {
	refs := make([]string, 0, len(b.records))
	for ref := range b.records {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

func (b *Book) Clone() *Book {
	c := &Book{records: make(map[string]PriceRecord, len(b.records))}
	for k, v := range b.records {
		c.records[k] = v
	}
	return c
}

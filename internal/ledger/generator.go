package ledger

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// batchNamespace seeds deterministic batch and journal ids so a replay of
// the command log reproduces identical journals.
var batchNamespace = uuid.MustParse("6f1c1f0e-43a4-4c55-9a6a-2f1f6b0b9e11")

// JournalGenerator records the token movements of one command. Each entry
// is applied to the tracker immediately so later reads in the same command
// observe it.
type JournalGenerator struct {
	tracker *BalanceTracker
	batch   *Batch
}

func NewJournalGenerator(tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{tracker: tracker}
}

// Begin opens the batch for a command.
func (jg *JournalGenerator) Begin(eventRef string, sequence int64, timestamp int64) {
	batchID := uuid.NewSHA1(batchNamespace, []byte(eventRef+"/"+strconv.FormatInt(sequence, 10)))
	jg.batch = &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 4),
	}
}

// Transfer moves amount of the accounts' mint from `from` to `to`.
// A zero amount is a no-op.
func (jg *JournalGenerator) Transfer(from, to AccountKey, amount uint64, jt JournalType) error {
	if amount == 0 {
		return nil
	}
	if from.Mint != to.Mint {
		return fmt.Errorf("transfer between mints %s and %s", from.Mint, to.Mint)
	}
	if err := jg.tracker.ValidateSufficient(from, amount); err != nil {
		return err
	}
	return jg.append(to, from, amount, jt)
}

// Mint issues amount of mint into `to`.
func (jg *JournalGenerator) Mint(to AccountKey, amount uint64, jt JournalType) error {
	if amount == 0 {
		return nil
	}
	return jg.append(to, IssuanceAccount(to.Mint), amount, jt)
}

// Burn destroys amount held by `from`.
func (jg *JournalGenerator) Burn(from AccountKey, amount uint64, jt JournalType) error {
	if amount == 0 {
		return nil
	}
	if err := jg.tracker.ValidateSufficient(from, amount); err != nil {
		return err
	}
	return jg.append(IssuanceAccount(from.Mint), from, amount, jt)
}

func (jg *JournalGenerator) append(debit, credit AccountKey, amount uint64, jt JournalType) error {
	if jg.batch == nil {
		return fmt.Errorf("journal generator: no open batch")
	}
	j := Journal{
		JournalID:     uuid.NewSHA1(jg.batch.BatchID, []byte(strconv.Itoa(len(jg.batch.Journals)))),
		BatchID:       jg.batch.BatchID,
		EventRef:      jg.batch.EventRef,
		Sequence:      jg.batch.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Mint:          debit.Mint,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     jg.batch.Timestamp,
	}
	tmp := Batch{BatchID: j.BatchID, Journals: []Journal{j}}
	if err := tmp.Validate(); err != nil {
		return err
	}
	jg.tracker.ApplyJournal(j)
	jg.batch.Journals = append(jg.batch.Journals, j)
	return nil
}

// Commit closes the batch and returns it.
func (jg *JournalGenerator) Commit() *Batch {
	b := jg.batch
	jg.batch = nil
	return b
}

// Discard drops the open batch. The caller restores the tracker.
func (jg *JournalGenerator) Discard() {
	jg.batch = nil
}

func (jg *JournalGenerator) Tracker() *BalanceTracker {
	return jg.tracker
}

// Available is the tracker balance of key including entries of the open batch.
func (jg *JournalGenerator) Available(key AccountKey) uint64 {
	return jg.tracker.Available(key)
}

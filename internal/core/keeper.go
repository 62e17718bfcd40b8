package core

import (
	"strconv"

	"PerpPool/internal/event"
	"PerpPool/internal/scheduler"
)

// DueCommands turns the tasks due at now into keeper commands, and adds a
// resolve_staking_round for every staking whose round may close. The
// caller submits them through Execute like any other command.
func (e *Engine) DueCommands(now int64) []event.Command {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.st.Initialized() {
		return nil
	}
	keeper := e.st.Perpetuals.Keeper

	var out []event.Command
	for _, id := range e.st.StakingIDs() {
		s := e.st.Stakings[id]
		if now-s.CurrentRound.StartTime < e.opts.RoundMinDuration || s.LastStakeTime >= now {
			continue
		}
		out = append(out, &event.ResolveStakingRound{
			Header:  keeperHeader(keeper, "resolve:"+id, s.CurrentRound.StartTime, now),
			Staking: id,
		})
	}

	for _, t := range e.sched.Due(now) {
		h := keeperHeader(keeper, "task:"+t.ID, t.NextRun, now)
		switch t.Intent.Kind {
		case scheduler.KindClaimStakes:
			out = append(out, &event.ClaimStakes{Header: h, Owner: t.Intent.Owner, Staking: t.Intent.Staking})
		case scheduler.KindFinalizeLockedStake:
			out = append(out, &event.FinalizeLockedStake{
				Header:           h,
				Owner:            t.Intent.Owner,
				Staking:          t.Intent.Staking,
				ResolutionTaskID: t.ID,
			})
		}
	}
	return out
}

// keeperHeader keys a keeper command by what triggered it, so a resubmitted
// trigger is deduplicated.
func keeperHeader(keeper, trigger string, at, now int64) event.Header {
	return event.Header{
		Key:    trigger + "@" + strconv.FormatInt(at, 10),
		Signer: keeper,
		Time:   now,
	}
}

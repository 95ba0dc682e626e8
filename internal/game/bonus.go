package game

import "pumpcrash/internal/ledger"

// bonuses computes the promotional credit of every play in r:
// floor(bet * bps / 10000). Plays earning nothing are left out.
func bonuses(r *round, bps int64) []ledger.Bonus {
	if bps <= 0 {
		return nil
	}
	var out []ledger.Bonus
	for _, b := range r.order {
		amount := b.amount * bps / 10000
		if amount <= 0 {
			continue
		}
		out = append(out, ledger.Bonus{UserID: b.player.ID, PlayID: b.playID, Amount: amount})
	}
	return out
}

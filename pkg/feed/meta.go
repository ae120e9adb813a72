package feed

// MergeAccountMeta applies incoming metadata last-write-wins by account id.
// Existing entries are updated in place; unseen accounts are appended in
// arrival order. The inputs are not modified.
func MergeAccountMeta(existing, incoming []AccountMeta) []AccountMeta {
	out := make([]AccountMeta, 0, len(existing)+len(incoming))
	index := make(map[AccountID]int, len(existing)+len(incoming))
	for _, meta := range existing {
		if idx, ok := index[meta.AccountID]; ok {
			out[idx] = meta
			continue
		}
		index[meta.AccountID] = len(out)
		out = append(out, meta)
	}
	for _, meta := range incoming {
		if idx, ok := index[meta.AccountID]; ok {
			out[idx] = meta
			continue
		}
		index[meta.AccountID] = len(out)
		out = append(out, meta)
	}
	return out
}

// MetaFromDecisions projects account metadata out of decision entries.
func MetaFromDecisions(entries []DecisionRecord) []AccountMeta {
	if len(entries) == 0 {
		return nil
	}
	out := make([]AccountMeta, 0, len(entries))
	for _, entry := range entries {
		out = append(out, AccountMeta{
			AccountID: entry.AccountID,
			Name:      entry.AccountName,
			Model:     entry.Model,
		})
	}
	return out
}

// MetaFromPositions projects account metadata out of positions snapshots.
func MetaFromPositions(accounts []PositionsSnapshot) []AccountMeta {
	if len(accounts) == 0 {
		return nil
	}
	out := make([]AccountMeta, 0, len(accounts))
	for _, account := range accounts {
		out = append(out, AccountMeta{
			AccountID: account.AccountID,
			Name:      account.AccountName,
			Model:     account.Model,
		})
	}
	return out
}

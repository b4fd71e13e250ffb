package reward

// Evaluate reports whether the snapshot satisfies the reward's conditions.
// All group 0 conditions must hold. When positive groups exist, at least one
// of them must have every member hold. An empty group 0 is vacuously true.
func Evaluate(def *Definition, snap *Snapshot) bool {
	if def == nil || snap == nil {
		return false
	}

	groups := map[int]bool{}
	for _, c := range def.Conditions {
		ok := holds(c, def.ID, snap)
		if c.Group <= 0 {
			if !ok {
				return false
			}
			continue
		}
		prev, seen := groups[c.Group]
		if !seen {
			prev = true
		}
		groups[c.Group] = prev && ok
	}

	if len(groups) == 0 {
		return true
	}
	for _, ok := range groups {
		if ok {
			return true
		}
	}
	return false
}

func holds(c Condition, rewardID string, snap *Snapshot) bool {
	switch c.Type {
	case CondStreakLength:
		return int64(snap.StreakLength) >= c.Threshold
	case CondTotalEarned:
		return snap.TotalEarned >= c.Threshold
	case CondLevel:
		return int64(snap.Level) >= c.Threshold
	case CondTotalSpent:
		return snap.TotalSpent >= c.Threshold
	case CondFirstPurchase, CondFirstDailyClaim, CondFirstReaction:
		return snap.Facts[c.Type]
	case CondNotPrivileged:
		return !snap.Privileged
	case CondNotClaimed:
		return !snap.Claimed[rewardID]
	}
	return false
}

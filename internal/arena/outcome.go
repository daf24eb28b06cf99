package arena

// GetObjectCounts tallies objects per type. Empty input yields all zeros.
func GetObjectCounts(objects []GameObject) ObjectCounts {
	var counts ObjectCounts
	for i := range objects {
		counts.add(objects[i].Type)
	}
	return counts
}

// CheckGameComplete reports whether at most one distinct type remains.
// An empty arena counts as complete.
func CheckGameComplete(objects []GameObject) bool {
	if len(objects) == 0 {
		return true
	}
	first := objects[0].Type
	for i := 1; i < len(objects); i++ {
		if objects[i].Type != first {
			return false
		}
	}
	return true
}

// GetWinnerByMajority returns the type with the highest count. Ties go to
// the earlier type in priority order, so all-zero counts yield Rock.
func GetWinnerByMajority(counts ObjectCounts) ObjectType {
	winner := Types[0]
	best := -1
	for _, t := range Types {
		if n := counts.Of(t); n > best {
			best = n
			winner = t
		}
	}
	return winner
}

// DetermineWinner decides the game outcome. ok is false when there is no
// winner: the arena is empty, or the game has not finished. Natural
// completion takes precedence over timeout.
func DetermineWinner(objects []GameObject, isTimeout bool) (winner ObjectType, ok bool) {
	if len(objects) == 0 {
		return "", false
	}
	if CheckGameComplete(objects) {
		return objects[0].Type, true
	}
	if isTimeout {
		return GetWinnerByMajority(GetObjectCounts(objects)), true
	}
	return "", false
}

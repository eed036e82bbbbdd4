package wire

// CloneReactions deep-copies a reaction map.
func CloneReactions(reactions map[string][]Reactor) map[string][]Reactor {
	if reactions == nil {
		return nil
	}
	c := make(map[string][]Reactor, len(reactions))
	for emoji, reactors := range reactions {
		c[emoji] = append([]Reactor(nil), reactors...)
	}
	return c
}

// ToggleReaction recomputes a message's reaction map for a reaction toggle
// by the given user: the user is removed from every emoji's reactor list
// (emptied lists are dropped), then appended to the target emoji only if
// they were not already reacting with it. Net effect: at most one active
// reaction per user per message; repeating the same emoji toggles it off,
// a different emoji switches it. Applying the same (user, emoji) toggle
// twice restores the original state.
func ToggleReaction(reactions map[string][]Reactor, emoji string, user Reactor) map[string][]Reactor {
	updated := make(map[string][]Reactor, len(reactions)+1)
	for existing, reactors := range reactions {
		var kept []Reactor
		for _, r := range reactors {
			if r.ReactorID != user.ReactorID {
				kept = append(kept, r)
			}
		}
		if len(kept) > 0 {
			updated[existing] = kept
		}
	}

	repeating := false
	for _, r := range reactions[emoji] {
		if r.ReactorID == user.ReactorID {
			repeating = true
			break
		}
	}
	if !repeating {
		updated[emoji] = append(updated[emoji], user)
	}
	return updated
}

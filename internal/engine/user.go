package engine

import "hash/fnv"

// userColorCount bounds the color palette every deployment shares
// (spec.md §4.7).
const userColorCount = 7

// UserInfo identifies the caller opening a TopicConnection. ColorIndex
// of -1 means "let the engine assign one".
type UserInfo struct {
	ID         string
	ColorIndex int
}

// colorIndexFor resolves user's color index: an explicit choice wins
// outright; otherwise a local backend hands out the next slot from an
// insertion-ordered modular counter (so two users joining the same
// local process get visibly distinct colors in join order), while a
// clustered backend falls back to a hash so every node derives the
// same index without coordinating (spec.md §4.7).
func (e *Engine) colorIndexFor(user UserInfo) int {
	if user.ColorIndex != -1 {
		return user.ColorIndex
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if idx, ok := e.userColors[user.ID]; ok {
		return idx
	}

	var idx int
	if e.backend.Clustered() {
		idx = clusteredColorHash(user.ID)
	} else {
		idx = len(e.userOrder) % userColorCount
		e.userOrder = append(e.userOrder, user.ID)
	}
	e.userColors[user.ID] = idx
	return idx
}

func clusteredColorHash(userID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	sum := int(h.Sum32())
	if sum < 0 {
		sum = -sum
	}
	return sum % userColorCount
}

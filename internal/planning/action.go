package planning

import "strings"

var actionWords = []struct {
	kind  ActionKind
	words []string
}{
	{ActionMove, []string{"go to", "visit", "travel", "move", "walk", "head to", "commute"}},
	{ActionTalk, []string{"talk", "meet", "chat", "socialize", "call", "discuss", "greet"}},
	{ActionInteract, []string{"use", "work", "cook", "brew", "serve", "clean", "write", "paint", "operate", "handle", "fix"}},
	{ActionObserve, []string{"watch", "observe", "look", "listen", "read", "browse"}},
	{ActionThink, []string{"think", "reflect", "plan", "contemplate", "study"}},
}

// InferActionKind guesses the action a task description maps to. Anything
// unrecognised is a wait.
func InferActionKind(description string) ActionKind {
	d := strings.ToLower(description)
	for _, aw := range actionWords {
		for _, w := range aw.words {
			if strings.Contains(d, w) {
				return aw.kind
			}
		}
	}
	return ActionWait
}

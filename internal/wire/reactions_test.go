package wire

import (
	"reflect"
	"testing"
)

var (
	alice = Reactor{ReactorID: 1, ReactorName: "Alice"}
	bob   = Reactor{ReactorID: 2, ReactorName: "Bob"}
)

func TestToggleReactionAdd(t *testing.T) {
	got := ToggleReaction(map[string][]Reactor{}, "👍", alice)
	want := map[string][]Reactor{"👍": {alice}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestToggleReactionOff(t *testing.T) {
	initial := map[string][]Reactor{"👍": {alice, bob}}
	got := ToggleReaction(initial, "👍", alice)
	want := map[string][]Reactor{"👍": {bob}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestToggleReactionSwitchEmoji(t *testing.T) {
	initial := map[string][]Reactor{"👍": {alice}}
	got := ToggleReaction(initial, "❤️", alice)
	want := map[string][]Reactor{"❤️": {alice}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestToggleReactionCleansEmptyLists(t *testing.T) {
	initial := map[string][]Reactor{"👍": {alice}}
	got := ToggleReaction(initial, "👍", alice)
	if len(got) != 0 {
		t.Errorf("got %v, want empty map after toggle-off", got)
	}
}

// Applying the same (user, emoji) toggle twice returns the reactor to
// their original state on that emoji: present -> absent -> present, and
// absent -> present -> absent.
func TestToggleReactionIdempotentOverPairs(t *testing.T) {
	initial := map[string][]Reactor{"👍": {bob}, "🎉": {alice}}
	once := ToggleReaction(initial, "🎉", alice)
	twice := ToggleReaction(once, "🎉", alice)
	want := map[string][]Reactor{"👍": {bob}, "🎉": {alice}}
	if !reflect.DeepEqual(twice, want) {
		t.Errorf("double toggle = %v, want %v", twice, want)
	}

	start := map[string][]Reactor{"👍": {bob}}
	on := ToggleReaction(start, "🎉", alice)
	off := ToggleReaction(on, "🎉", alice)
	if !reflect.DeepEqual(off, start) {
		t.Errorf("toggle on then off = %v, want %v", off, start)
	}
}

func TestToggleReactionDoesNotMutateInput(t *testing.T) {
	initial := map[string][]Reactor{"👍": {alice, bob}}
	_ = ToggleReaction(initial, "❤️", alice)
	if len(initial["👍"]) != 2 {
		t.Error("input map was mutated")
	}
}

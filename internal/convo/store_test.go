package convo_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/hollowmere/parley/internal/convo"
	"github.com/hollowmere/parley/pkg/types"
)

func entry(id, sender, content string) types.MessageEntry {
	return types.MessageEntry{Sender: sender, Content: content, MessageID: id}
}

func TestStore_AppendAndTail(t *testing.T) {
	t.Parallel()

	s := convo.NewStore()
	for i := 0; i < 5; i++ {
		s.Append("p1", entry(fmt.Sprintf("m%d", i), types.UserSender, fmt.Sprintf("msg %d", i)))
	}

	tests := []struct {
		name  string
		n     int
		want  int
		first string
	}{
		{name: "full window", n: 10, want: 5, first: "msg 0"},
		{name: "bounded window keeps tail", n: 2, want: 2, first: "msg 3"},
		{name: "zero window", n: 0, want: 0},
		{name: "negative window", n: -1, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Tail("p1", tt.n)
			if got == nil {
				t.Fatal("Tail must return a non-nil slice")
			}
			if len(got) != tt.want {
				t.Fatalf("Tail returned %d entries, want %d", len(got), tt.want)
			}
			if tt.want > 0 && got[0].Content != tt.first {
				t.Errorf("first entry = %q, want %q", got[0].Content, tt.first)
			}
		})
	}
}

func TestStore_TailUnknownUser(t *testing.T) {
	t.Parallel()

	s := convo.NewStore()
	if got := s.Tail("ghost", 5); got == nil || len(got) != 0 {
		t.Fatalf("Tail for unknown user = %v, want empty slice", got)
	}
}

func TestStore_AllRestoreRoundTrip(t *testing.T) {
	t.Parallel()

	s := convo.NewStore()
	s.Append("p1", entry("a", types.UserSender, "hello"))
	s.Append("p1", entry("b", "Maya", "well met"))
	s.Append("p2", entry("c", types.UserSender, "hi"))

	restored := convo.NewStore()
	restored.Restore(s.All())

	for _, uid := range []string{"p1", "p2"} {
		want := s.Tail(uid, 100)
		got := restored.Tail(uid, 100)
		if len(got) != len(want) {
			t.Fatalf("user %s: restored %d entries, want %d", uid, len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("user %s entry %d = %+v, want %+v", uid, i, got[i], want[i])
			}
		}
	}
}

func TestStore_AllReturnsCopy(t *testing.T) {
	t.Parallel()

	s := convo.NewStore()
	s.Append("p1", entry("a", types.UserSender, "hello"))

	snap := s.All()
	snap["p1"][0].Content = "mutated"

	if got := s.Tail("p1", 1)[0].Content; got != "hello" {
		t.Fatalf("mutating the snapshot leaked into the store: %q", got)
	}
}

func TestStore_ConcurrentAppendsKeepCount(t *testing.T) {
	t.Parallel()

	s := convo.NewStore()
	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				s.Append("p1", entry(fmt.Sprintf("w%d-%d", w, i), types.UserSender, "x"))
			}
		}(w)
	}
	wg.Wait()

	if got := s.Len("p1"); got != writers*perWriter {
		t.Fatalf("Len = %d, want %d", got, writers*perWriter)
	}
}

package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"dealdesk/api/internal/store"
)

// fakeMessageStore assigns sequence numbers the way the SQL store does:
// one global counter, insert order wins.
type fakeMessageStore struct {
	mu       sync.Mutex
	nextSeq  int64
	messages []store.ChatMessage
}

func (f *fakeMessageStore) InsertChatMessage(ctx context.Context, proposalID, senderID, body string) (store.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSeq++
	msg := store.ChatMessage{
		Seq:        f.nextSeq,
		ProposalID: proposalID,
		SenderID:   senderID,
		Body:       body,
		CreatedAt:  time.Now(),
	}
	f.messages = append(f.messages, msg)
	return msg, nil
}

func (f *fakeMessageStore) ListChatMessages(ctx context.Context, proposalID string, limit int) ([]store.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.ChatMessage, 0)
	for _, msg := range f.messages {
		if msg.ProposalID == proposalID {
			out = append(out, msg)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func TestPublishPersistsBeforeBroadcast(t *testing.T) {
	fake := &fakeMessageStore{}
	hub := NewHub(fake)

	events, cancel := hub.Subscribe("prop_1")
	defer cancel()

	msg, err := hub.Publish(context.Background(), "prop_1", "usr_a", "Alice", "hello")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if msg.Seq != 1 {
		t.Errorf("expected seq 1, got %d", msg.Seq)
	}

	select {
	case ev := <-events:
		if ev.Seq != msg.Seq {
			t.Errorf("broadcast seq %d does not match stored seq %d", ev.Seq, msg.Seq)
		}
		if ev.Body != "hello" {
			t.Errorf("expected body hello, got %q", ev.Body)
		}
		if ev.SenderName != "Alice" {
			t.Errorf("expected sender name Alice, got %q", ev.SenderName)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a broadcast event")
	}

	// Durable even with no subscribers listening.
	history, err := hub.History(context.Background(), "prop_1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 stored message, got %d", len(history))
	}
}

func TestBroadcastIsScopedToRoom(t *testing.T) {
	hub := NewHub(&fakeMessageStore{})

	eventsA, cancelA := hub.Subscribe("prop_a")
	defer cancelA()
	eventsB, cancelB := hub.Subscribe("prop_b")
	defer cancelB()

	if _, err := hub.Publish(context.Background(), "prop_a", "usr_1", "", "only for a"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case ev := <-eventsA:
		if ev.ProposalID != "prop_a" {
			t.Errorf("expected proposal prop_a, got %s", ev.ProposalID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected event in room a")
	}

	select {
	case ev := <-eventsB:
		t.Errorf("room b should not receive room a traffic, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSeqIsMonotonicPerRoom(t *testing.T) {
	hub := NewHub(&fakeMessageStore{})

	events, cancel := hub.Subscribe("prop_1")
	defer cancel()

	for i := 0; i < 5; i++ {
		if _, err := hub.Publish(context.Background(), "prop_1", "usr_1", "", "msg"); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	var last int64
	for i := 0; i < 5; i++ {
		select {
		case ev := <-events:
			if ev.Seq <= last {
				t.Errorf("seq went backwards: %d after %d", ev.Seq, last)
			}
			last = ev.Seq
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestCancelLeavesRoom(t *testing.T) {
	hub := NewHub(&fakeMessageStore{})

	_, cancel := hub.Subscribe("prop_1")
	if got := hub.RoomSize("prop_1"); got != 1 {
		t.Fatalf("expected room size 1, got %d", got)
	}
	cancel()
	cancel() // idempotent
	if got := hub.RoomSize("prop_1"); got != 0 {
		t.Fatalf("expected empty room after cancel, got %d", got)
	}
}

func TestConcurrentPublishersKeepAllMessages(t *testing.T) {
	fake := &fakeMessageStore{}
	hub := NewHub(fake)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := hub.Publish(context.Background(), "prop_1", "usr_1", "", "m"); err != nil {
				t.Errorf("publish: %v", err)
			}
		}()
	}
	wg.Wait()

	history, err := hub.History(context.Background(), "prop_1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != n {
		t.Errorf("expected %d messages, got %d", n, len(history))
	}
}

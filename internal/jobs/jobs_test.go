package jobs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"groupscout/internal/classifier"
	"groupscout/internal/store"
	"groupscout/internal/transport"
)

// ---- fakes ----

type memStore struct {
	mu      sync.Mutex
	chats   map[int64]store.Chat
	nextID  int64
	closed  bool
	listErr error
}

func newMemStore() *memStore {
	return &memStore{chats: map[int64]store.Chat{}}
}

func (m *memStore) add(name string, status store.Status, channelID int64) store.Chat {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	c := store.Chat{ID: m.nextID, Name: name, Status: status, CreatedAt: time.Now().Add(time.Duration(m.nextID) * time.Millisecond), ChannelID: channelID}
	m.chats[c.ID] = c
	return c
}

func (m *memStore) Create(ctx context.Context, name string, status store.Status, channelID int64) (store.Chat, error) {
	return m.add(name, status, channelID), nil
}

func (m *memStore) GetByID(ctx context.Context, id int64) (store.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[id]
	if !ok {
		return store.Chat{}, store.ErrNotFound
	}
	return c, nil
}

func (m *memStore) GetByName(ctx context.Context, name string) (store.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.chats {
		if c.Name == name {
			return c, nil
		}
	}
	return store.Chat{}, store.ErrNotFound
}

func (m *memStore) ListByStatus(ctx context.Context, status store.Status) ([]store.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []store.Chat
	for id := int64(1); id <= m.nextID; id++ {
		if c, ok := m.chats[id]; ok && c.Status == status {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) Update(ctx context.Context, id int64, p store.Patch) (store.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[id]
	if !ok {
		return store.Chat{}, store.ErrNotFound
	}
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Status != nil {
		c.Status = *p.Status
	}
	if p.ChannelID != nil {
		c.ChannelID = *p.ChannelID
	}
	m.chats[id] = c
	return c, nil
}

func (m *memStore) Delete(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.chats[id]
	delete(m.chats, id)
	return ok, nil
}

func (m *memStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memStore) statusOf(t *testing.T, id int64) store.Status {
	t.Helper()
	c, err := m.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID(%d): %v", id, err)
	}
	return c.Status
}

type fakeClient struct {
	mu       sync.Mutex
	messages map[string][]transport.Message
	msgErr   map[string]error
	dialogs  []transport.ChatInfo
	joinErr  map[string]error
	joined   []string
	entities map[string]transport.ChatInfo
}

func (f *fakeClient) Start(ctx context.Context, out chan<- transport.Update) error { return nil }
func (f *fakeClient) Stop(ctx context.Context) error                               { return nil }

func (f *fakeClient) GetMessages(ctx context.Context, ref transport.ChatRef, limit int) ([]transport.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.msgErr[ref.Name]; ok {
		return nil, err
	}
	msgs := f.messages[ref.Name]
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (f *fakeClient) GetDialogs(ctx context.Context) ([]transport.ChatInfo, error) {
	return f.dialogs, nil
}

func (f *fakeClient) GetEntity(ctx context.Context, ref transport.ChatRef) (transport.ChatInfo, error) {
	if info, ok := f.entities[ref.Name]; ok {
		return info, nil
	}
	return transport.ChatInfo{}, errors.New("unknown entity")
}

func (f *fakeClient) JoinChannel(ctx context.Context, ref transport.ChatRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.joinErr[ref.Name]; ok {
		return err
	}
	f.joined = append(f.joined, ref.Name)
	return nil
}

func (f *fakeClient) Forward(ctx context.Context, msg transport.MessageRef, dest transport.ChatTarget) error {
	return nil
}

func (f *fakeClient) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	return transport.MessageRef{}, nil
}

type scriptedClassifier struct {
	mu      sync.Mutex
	replies map[string]string // keyed by substring of the batch text
	err     error
	calls   int
	prompts []string
}

func (s *scriptedClassifier) Classify(ctx context.Context, batchText, promptText string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.prompts = append(s.prompts, promptText)
	if s.err != nil {
		return "", s.err
	}
	for needle, reply := range s.replies {
		if strings.Contains(batchText, needle) {
			return reply, nil
		}
	}
	return `{"group": false, "count_message": 0}`, nil
}

func recent(sender int64, text string) transport.Message {
	return transport.Message{FromID: sender, Text: text, Date: time.Now()}
}

func stale(sender int64, text string) transport.Message {
	return transport.Message{FromID: sender, Text: text, Date: time.Now().Add(-48 * time.Hour)}
}

// ---- discovery ----

func TestDiscoveryPromotesAndDemotes(t *testing.T) {
	t.Parallel()
	ms := newMemStore()
	lively := ms.add("lively", store.StatusTest, 0)
	quiet := ms.add("quiet", store.StatusTest, 0)
	empty := ms.add("empty", store.StatusTest, 0)

	client := &fakeClient{messages: map[string][]transport.Message{
		"lively": {recent(1, "who can pour a foundation"), recent(2, "need a quote"), recent(3, "looking for tilers"), recent(4, "any electricians"), recent(5, "ok")},
		"quiet":  {recent(9, "buy now!!!")},
		"empty":  {stale(4, "old news")},
	}}
	cls := &scriptedClassifier{replies: map[string]string{
		"foundation": "```json\n{\"group\": true, \"count_message\": 5}\n```",
		"buy now":    `{"group": false, "count_message": 1}`,
	}}

	d := NewDiscovery(DiscoveryConfig{}, client, cls,
		func() (store.Store, error) { return ms, nil },
		func() string { return "prompt" }, nil, zerolog.Nop())

	res, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	sum, ok := res.(DiscoverySummary)
	if !ok {
		t.Fatalf("result type %T", res)
	}
	if sum.Evaluated != 3 || sum.Promoted != 1 || sum.Demoted != 2 {
		t.Fatalf("summary = %+v", sum)
	}
	if got := ms.statusOf(t, lively.ID); got != store.StatusSecond {
		t.Fatalf("lively status = %s, want second", got)
	}
	if got := ms.statusOf(t, quiet.ID); got != store.StatusBadSecond {
		t.Fatalf("quiet status = %s, want bad_second", got)
	}
	// No fresh messages at all: demoted without a classifier call.
	if got := ms.statusOf(t, empty.ID); got != store.StatusBadSecond {
		t.Fatalf("empty status = %s, want bad_second", got)
	}
	if !ms.closed {
		t.Fatal("store not closed after run")
	}
}

func TestDiscoveryRateLimitSkipsWithoutMarking(t *testing.T) {
	t.Parallel()
	ms := newMemStore()
	limited := ms.add("limited", store.StatusTest, 0)
	next := ms.add("next", store.StatusTest, 0)

	wait := 60 * time.Millisecond
	client := &fakeClient{
		msgErr:   map[string]error{"limited": &transport.RateLimitError{RetryAfter: wait}},
		messages: map[string][]transport.Message{"next": {recent(1, "hello there")}},
	}
	cls := &scriptedClassifier{replies: map[string]string{"hello": `{"group": true, "count_message": 4}`}}

	d := NewDiscovery(DiscoveryConfig{}, client, cls,
		func() (store.Store, error) { return ms, nil }, nil, nil, zerolog.Nop())

	start := time.Now()
	res, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed < wait {
		t.Fatalf("run returned after %s, expected a %s pause", elapsed, wait)
	}
	sum := res.(DiscoverySummary)
	if sum.RateLimited != 1 || sum.Promoted != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	// The rate-limited chat is untouched, not marked bad.
	if got := ms.statusOf(t, limited.ID); got != store.StatusTest {
		t.Fatalf("limited status = %s, want test", got)
	}
	if got := ms.statusOf(t, next.ID); got != store.StatusSecond {
		t.Fatalf("next status = %s, want second", got)
	}
}

func TestDiscoveryPromptFileOverride(t *testing.T) {
	t.Parallel()
	ms := newMemStore()
	ms.add("lively", store.StatusTest, 0)
	client := &fakeClient{messages: map[string][]transport.Message{
		"lively": {recent(1, "anyone tiling bathrooms")},
	}}
	cls := &scriptedClassifier{replies: map[string]string{"tiling": `{"group": true, "count_message": 4}`}}

	path := filepath.Join(t.TempDir(), "prompts", "prompt_mistral.txt")
	ps := classifier.NewPromptStore(path, classifier.DefaultDiscoveryPrompt)
	d := NewDiscovery(DiscoveryConfig{}, client, cls,
		func() (store.Store, error) { return ms, nil }, ps.Get, nil, zerolog.Nop())

	// No file yet: the built-in evaluation prompt is used.
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	cls.mu.Lock()
	first := cls.prompts[0]
	cls.mu.Unlock()
	if first != classifier.DefaultDiscoveryPrompt {
		t.Fatalf("prompt without override = %q", first)
	}

	// The on-disk document replaces it on the next run.
	if err := ps.Set("judge strictly"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	ms.add("lively2", store.StatusTest, 0)
	client.messages["lively2"] = client.messages["lively"]
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	cls.mu.Lock()
	last := cls.prompts[len(cls.prompts)-1]
	cls.mu.Unlock()
	if last != "judge strictly" {
		t.Fatalf("prompt with override = %q", last)
	}
}

func TestDiscoveryMarksBadOnErrors(t *testing.T) {
	t.Parallel()
	ms := newMemStore()
	broken := ms.add("broken", store.StatusTest, 0)
	unclass := ms.add("unclass", store.StatusTest, 0)

	client := &fakeClient{
		msgErr:   map[string]error{"broken": errors.New("channel is private")},
		messages: map[string][]transport.Message{"unclass": {recent(1, "some text")}},
	}
	cls := &scriptedClassifier{err: errors.New("model unavailable")}

	d := NewDiscovery(DiscoveryConfig{}, client, cls,
		func() (store.Store, error) { return ms, nil }, nil, nil, zerolog.Nop())
	res, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	sum := res.(DiscoverySummary)
	if sum.Failed != 2 {
		t.Fatalf("summary = %+v", sum)
	}
	if got := ms.statusOf(t, broken.ID); got != store.StatusBad {
		t.Fatalf("broken status = %s, want bad", got)
	}
	if got := ms.statusOf(t, unclass.ID); got != store.StatusBad {
		t.Fatalf("unclass status = %s, want bad", got)
	}
}

func TestDiscoveryBoundsBatch(t *testing.T) {
	t.Parallel()
	ms := newMemStore()
	for i := 0; i < 12; i++ {
		ms.add(fmt.Sprintf("chat%02d", i), store.StatusTest, 0)
	}
	client := &fakeClient{} // no messages: everything demotes
	d := NewDiscovery(DiscoveryConfig{BatchSize: 10}, client, &scriptedClassifier{},
		func() (store.Store, error) { return ms, nil }, nil, nil, zerolog.Nop())
	res, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum := res.(DiscoverySummary); sum.Evaluated != 10 {
		t.Fatalf("evaluated = %d, want 10", sum.Evaluated)
	}
}

func TestDiscoveryClosesStoreOnEarlyFailure(t *testing.T) {
	t.Parallel()
	ms := newMemStore()
	ms.listErr = errors.New("disk exploded")
	d := NewDiscovery(DiscoveryConfig{}, &fakeClient{}, &scriptedClassifier{},
		func() (store.Store, error) { return ms, nil }, nil, nil, zerolog.Nop())
	if _, err := d.Run(context.Background()); err == nil {
		t.Fatal("expected error from failing store")
	}
	if !ms.closed {
		t.Fatal("store handle leaked on early failure")
	}
}

func TestParseOrganicCount(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want int
	}{
		{`{"group": true, "count_message": 6}`, 6},
		{"```json\n{\"group\": false, \"count_message\": 0}\n```", 0},
		{"the model rambles instead of JSON", 0},
		{"", 0},
	}
	for _, tt := range tests {
		if got := parseOrganicCount(tt.raw); got != tt.want {
			t.Fatalf("parseOrganicCount(%q) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}

// ---- join ----

func TestJoinPass(t *testing.T) {
	t.Parallel()
	ms := newMemStore()
	already := ms.add("already_in", store.StatusSecond, 500)
	fresh := ms.add("fresh", store.StatusSecond, 0)
	failing := ms.add("walled", store.StatusSecond, 0)

	client := &fakeClient{
		dialogs:  []transport.ChatInfo{{ID: 500, Name: "already_in"}},
		joinErr:  map[string]error{"walled": errors.New("admin approval required")},
		entities: map[string]transport.ChatInfo{"fresh": {ID: 901, Name: "fresh"}},
	}

	j := NewJoin(JoinConfig{Cooldown: time.Millisecond}, client,
		func() (store.Store, error) { return ms, nil }, nil, zerolog.Nop())
	res, err := j.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	sum := res.(JoinSummary)
	if sum.Joined != 1 || sum.AlreadyJoined != 1 || sum.Failed != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if got := ms.statusOf(t, already.ID); got != store.StatusConnected {
		t.Fatalf("already_in status = %s, want connected", got)
	}
	if got := ms.statusOf(t, fresh.ID); got != store.StatusConnected {
		t.Fatalf("fresh status = %s, want connected", got)
	}
	freshChat, _ := ms.GetByID(context.Background(), fresh.ID)
	if freshChat.ChannelID != 901 {
		t.Fatalf("fresh channel id = %d, want 901 (from GetEntity)", freshChat.ChannelID)
	}
	// One failed candidate does not abort the rest, and stays in second.
	if got := ms.statusOf(t, failing.ID); got != store.StatusSecond {
		t.Fatalf("walled status = %s, want second", got)
	}
	if !ms.closed {
		t.Fatal("store not closed after run")
	}
}

func TestJoinNothingToDo(t *testing.T) {
	t.Parallel()
	ms := newMemStore()
	j := NewJoin(JoinConfig{}, &fakeClient{},
		func() (store.Store, error) { return ms, nil }, nil, zerolog.Nop())
	res, err := j.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum := res.(JoinSummary); sum != (JoinSummary{}) {
		t.Fatalf("summary = %+v, want zero", sum)
	}
}

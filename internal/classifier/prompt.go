package classifier

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DefaultMessagePrompt drives the per-flush classification of buffered group
// messages. The model must echo back the identifiers of each message so the
// processor can find the originating event.
const DefaultMessagePrompt = `You classify chat messages into categories: "spam", "scam", "seeking_ok", "irrelevant".

- "spam": phishing links, giveaways, repeated promo text, "win", "free", "only today".
- "scam": requests for prepayment, fake escrow, suspicious payment details.
- "seeking_ok": a person genuinely looking to buy a service or asking for a quote or consultation.
- "irrelevant": everything else.

Input is one message per line in the form "id:<sender_id>, message: <text>".
Reply with a JSON array only. For every message output an object:
{"category": "<tag>", "id": <sender_id>, "chanel_id": <chat_id>, "message_id": <message_id>}`

// DefaultDiscoveryPrompt asks the model whether a sample of recent messages
// from a candidate group looks organic, and how many qualifying messages it
// contains.
const DefaultDiscoveryPrompt = `You receive recent messages from one chat group, one per line in the form "id:<sender_id>, message: <text>".
Decide whether the group has organic conversation: real people asking questions, discussing work, buying services. Advertising and cross-posted promo do not count.

Reply with a JSON object only:
{"group": <true if at least one organic message>, "count_message": <number of organic messages>}`

// PromptStore resolves a prompt document: the on-disk file wins when present,
// otherwise the built-in fallback is used. Set writes the file, creating
// parent directories as needed.
type PromptStore struct {
	mu       sync.Mutex
	path     string
	fallback string
}

func NewPromptStore(path, fallback string) *PromptStore {
	return &PromptStore{path: path, fallback: fallback}
}

// Get returns the current prompt text. A missing or empty file falls back to
// the built-in default; read errors do too (the prompt is never empty).
func (p *PromptStore) Get() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if strings.TrimSpace(p.path) == "" {
		return p.fallback
	}
	b, err := os.ReadFile(p.path)
	if err != nil || len(strings.TrimSpace(string(b))) == 0 {
		return p.fallback
	}
	return string(b)
}

// Set persists a new prompt document.
func (p *PromptStore) Set(text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if strings.TrimSpace(p.path) == "" {
		return fmt.Errorf("no prompt file configured")
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("refusing to store an empty prompt")
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p.path, []byte(text), 0o644)
}

// Overridden reports whether the file currently overrides the fallback.
func (p *PromptStore) Overridden() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if strings.TrimSpace(p.path) == "" {
		return false
	}
	b, err := os.ReadFile(p.path)
	return err == nil && len(strings.TrimSpace(string(b))) > 0
}

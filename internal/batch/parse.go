package batch

import (
	"encoding/json"
	"fmt"
	"strings"
)

// wireResult mirrors the JSON the model actually emits. The chat id key has
// always been spelled "chanel_id" upstream; "chat_id" is accepted as well.
type wireResult struct {
	Category  string `json:"category"`
	SenderID  int64  `json:"id"`
	ChanelID  int64  `json:"chanel_id"`
	ChatID    int64  `json:"chat_id"`
	MessageID int    `json:"message_id"`
}

func (w wireResult) toResult() Result {
	chatID := w.ChanelID
	if chatID == 0 {
		chatID = w.ChatID
	}
	return Result{
		Category:  ParseCategory(w.Category),
		SenderID:  w.SenderID,
		ChatID:    chatID,
		MessageID: w.MessageID,
	}
}

// ParseResults extracts the classifier's structured reply from a free-form
// text blob: a JSON object or array, optionally inside a ```json fence.
func ParseResults(text string) ([]Result, error) {
	payload := extractJSON(text)
	if payload == "" {
		return nil, fmt.Errorf("classifier reply contains no JSON payload")
	}

	if strings.HasPrefix(payload, "[") {
		var many []wireResult
		if err := json.Unmarshal([]byte(payload), &many); err != nil {
			return nil, fmt.Errorf("decode classifier array: %w", err)
		}
		out := make([]Result, 0, len(many))
		for _, w := range many {
			out = append(out, w.toResult())
		}
		return out, nil
	}

	var one wireResult
	if err := json.Unmarshal([]byte(payload), &one); err != nil {
		return nil, fmt.Errorf("decode classifier object: %w", err)
	}
	return []Result{one.toResult()}, nil
}

// extractJSON narrows a model reply to its JSON payload. An array anywhere in
// the text wins; otherwise code fences are stripped.
func extractJSON(text string) string {
	if i, j := strings.Index(text, "["), strings.LastIndex(text, "]"); i >= 0 && j > i {
		return strings.TrimSpace(text[i : j+1])
	}
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	return strings.TrimSpace(text)
}

package horoscope

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultAPIBase = "https://api.openai.com/v1"
	defaultModel   = "gpt-4.1-nano"
)

// Generator produces the daily text through an OpenAI-compatible
// chat-completions endpoint. Without an API key it falls back to an
// offline composer that is deterministic per sign and day, so cache
// and repeat requests agree.
type Generator struct {
	apiKey  string
	apiBase string
	model   string
	client  *http.Client
}

func NewGenerator(apiKey, apiBase, model string) *Generator {
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	if model == "" {
		model = defaultModel
	}
	return &Generator{
		apiKey:  apiKey,
		apiBase: strings.TrimRight(apiBase, "/"),
		model:   model,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

// Offline reports whether the generator composes text locally.
func (g *Generator) Offline() bool { return g.apiKey == "" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate returns the horoscope body for one sign and day, HTML
// formatted for Telegram.
func (g *Generator) Generate(ctx context.Context, sign Sign, day time.Time) (string, error) {
	if g.Offline() {
		return offlineText(sign, day), nil
	}

	prompt := fmt.Sprintf(`Generate a daily horoscope for %s for %s.

Include insights about:
- Love & Relationships
- Career & Finance
- Health & Wellness
- Lucky numbers (3 numbers between 1-99)

Guidelines:
- Keep it positive and encouraging
- Be specific but not too personal
- Around 100-150 words total
- Use a warm, friendly tone

Format using HTML tags for Telegram:
- Use <b>Section Name:</b> for section headers
- Use plain text for content
- End with <b>Lucky Numbers:</b> followed by the numbers
- Do NOT use markdown formatting like ** or __`, sign.Name, day.Format("January 2, 2006"))

	body, err := json.Marshal(chatRequest{
		Model: g.model,
		Messages: []chatMessage{
			{Role: "system", Content: "You are a mystical astrologer providing daily horoscopes. " +
				"Your predictions are uplifting, insightful, and entertaining. " +
				"Format output using HTML tags (like <b> for bold), never markdown."},
			{Role: "user", Content: prompt},
		},
		MaxTokens:   400,
		Temperature: 0.8,
	})
	if err != nil {
		return "", fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.apiBase+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("completion request failed: status %d: %s", resp.StatusCode, string(detail))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode completion response: %w", err)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("empty completion response")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

var (
	loveLines = []string{
		"An honest conversation brings you closer to someone who matters.",
		"A small gesture of warmth today carries further than you expect.",
		"Someone has been waiting for you to make the first move.",
		"Old tensions soften when you choose patience over being right.",
		"Shared laughter opens a door you thought was closed.",
		"Listen twice as much as you speak and hearts will follow.",
	}
	careerLines = []string{
		"A task you have been postponing turns out easier than feared.",
		"Your steady work gets noticed by exactly the right person.",
		"A fresh idea lands well if you present it plainly.",
		"Finish one thing completely before reaching for the next.",
		"An unexpected question leads you to a rewarding opportunity.",
		"Money matters favor caution today, and caution pays off soon.",
	}
	healthLines = []string{
		"A walk in fresh air resets more than your legs.",
		"Your body asks for water and an early night. Give it both.",
		"Small stretches between tasks keep your energy even all day.",
		"Choose the lighter meal and you will thank yourself tonight.",
		"Rest is productive too. Schedule some without guilt.",
		"A few deep breaths before each decision keeps you steady.",
	}
)

// offlineText composes a fixed-shape horoscope seeded by sign and
// date, matching what the API path is prompted to produce.
func offlineText(sign Sign, day time.Time) string {
	h := fnv.New64a()
	io.WriteString(h, sign.Name)
	io.WriteString(h, day.Format("2006-01-02"))
	seed := h.Sum64()

	pick := func(lines []string, shift uint) string {
		return lines[(seed>>shift)%uint64(len(lines))]
	}
	n1 := seed%99 + 1
	n2 := (seed>>8)%99 + 1
	n3 := (seed>>16)%99 + 1

	return fmt.Sprintf(
		"<b>Love &amp; Relationships:</b> %s\n\n"+
			"<b>Career &amp; Finance:</b> %s\n\n"+
			"<b>Health &amp; Wellness:</b> %s\n\n"+
			"<b>Lucky Numbers:</b> %d, %d, %d",
		pick(loveLines, 3), pick(careerLines, 13), pick(healthLines, 23), n1, n2, n3)
}

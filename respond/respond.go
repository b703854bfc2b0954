// Package respond turns final transcripts into short conversational
// replies using a hosted language model.
package respond

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/api/option"
)

const systemPrompt = `You are a voice assistant. Reply to the user's transcribed speech in one or two short sentences, plain text only, suitable for being read aloud.`

// Responder generates a reply to a final transcript.
type Responder interface {
	Respond(ctx context.Context, transcript string) (string, error)
}

// New builds the responder for the given backend name. An empty name
// means response generation is disabled and returns nil without error.
func New(ctx context.Context, backend, apiKey string) (Responder, error) {
	switch backend {
	case "":
		return nil, nil
	case "gemini":
		if apiKey == "" {
			return nil, errors.New("gemini responder requires GEMINI_API_KEY")
		}
		return NewGemini(ctx, apiKey)
	case "openai":
		if apiKey == "" {
			return nil, errors.New("openai responder requires OPENAI_API_KEY")
		}
		return NewOpenAI(apiKey), nil
	default:
		return nil, fmt.Errorf("unknown responder backend %q", backend)
	}
}

type GeminiResponder struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

func NewGemini(ctx context.Context, apiKey string) (*GeminiResponder, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	model := client.GenerativeModel("gemini-1.5-flash")
	model.GenerationConfig.SetMaxOutputTokens(256)
	model.GenerationConfig.SetTemperature(0.7)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{
			genai.Text(systemPrompt),
		},
	}
	return &GeminiResponder{client: client, model: model}, nil
}

func (g *GeminiResponder) Respond(ctx context.Context, transcript string) (string, error) {
	resp, err := g.model.GenerateContent(ctx, genai.Text(transcript))
	if err != nil {
		return "", fmt.Errorf("gemini completion: %w", err)
	}
	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				sb.WriteString(string(text))
			}
		}
	}
	reply := strings.TrimSpace(sb.String())
	if reply == "" {
		return "", errors.New("gemini returned no text")
	}
	return reply, nil
}

func (g *GeminiResponder) Close() error {
	return g.client.Close()
}

type OpenAIResponder struct {
	client *openai.Client
}

func NewOpenAI(apiKey string) *OpenAIResponder {
	return &OpenAIResponder{
		client: openai.NewClient(apiKey),
	}
}

func (o *OpenAIResponder) Respond(ctx context.Context, transcript string) (string, error) {
	resp, err := o.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: openai.GPT4o,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleSystem,
					Content: systemPrompt,
				},
				{
					Role:    openai.ChatMessageRoleUser,
					Content: transcript,
				},
			},
			MaxTokens:   256,
			Temperature: 0.7,
		},
	)
	if err != nil {
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

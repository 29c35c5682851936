package core

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"chatbot-service/internal/config"
	"chatbot-service/internal/memory"
)

const (
	defaultChatModelName = "gemini-1.5-flash-latest"

	chatSystemInstruction = "You are a friendly personal assistant chatting with a user. " +
		"Use the conversation so far as context for your answer. " +
		"If you do not know the answer to a question, say so instead of making something up. " +
		"Keep your answers concise and conversational."
)

type LLMService struct {
	client *genai.Client
}

func NewLLMService() *LLMService {
	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(config.AppConfig.GeminiAPIKey))
	if err != nil {
		log.Fatalf("Failed to create GenAI client: %v", err)
	}

	return &LLMService{
		client: client,
	}
}

func (s *LLMService) Close() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			log.Printf("Error closing GenAI client: %v", err)
		} else {
			log.Println("GenAI client closed.")
		}
	}
}

// Complete sends one chat turn to Gemini with the user's windowed history as
// context and returns the response text with the turn's total token count.
func (s *LLMService) Complete(ctx context.Context, history []memory.Turn, message string) (ModelReply, error) {
	model := s.client.GenerativeModel(defaultChatModelName)

	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(chatSystemInstruction)},
	}

	chatSession := model.StartChat()
	chatSession.History = historyToContents(history)

	resp, err := chatSession.SendMessage(ctx, genai.Text(message))
	if err != nil {
		return ModelReply{}, fmt.Errorf("gemini chat SendMessage failed: %w", err)
	}

	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return ModelReply{}, fmt.Errorf("gemini response had no valid candidates")
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			responseText.WriteString(string(txt))
		} else {
			log.Printf("Gemini response part was not text: %T", part)
		}
	}

	if responseText.Len() == 0 {
		return ModelReply{}, fmt.Errorf("gemini response contained no text parts")
	}

	tokens := 0
	if resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.TotalTokenCount)
	}

	return ModelReply{Text: responseText.String(), Tokens: tokens}, nil
}

// historyToContents maps stored turns to the provider's content shape. Stored
// role tags already use the provider's "user"/"model" vocabulary.
func historyToContents(turns []memory.Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		contents = append(contents, &genai.Content{
			Role:  t.Role,
			Parts: []genai.Part{genai.Text(t.Text)},
		})
	}
	return contents
}

// Package delegate implements outbound communication with collaborator
// agents over HTTP.
//
// A collaborator exposes the same boundary this process does: a /card
// endpoint describing it and a blocking /v1/message endpoint that returns a
// terminal task. Responses are reduced to text via the ordered fallback
// chain on models.Task.
package delegate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/harrison/dispatch/internal/logger"
	"github.com/harrison/dispatch/internal/models"
)

const (
	cardCacheSize = 64
	cardCacheTTL  = 5 * time.Minute
)

// AgentCard describes a collaborator agent.
type AgentCard struct {
	Name         string   `json:"name"`
	Role         string   `json:"role"`
	Capabilities []string `json:"capabilities,omitempty"`
	URL          string   `json:"url,omitempty"`
}

// MessageRequest is the payload of a blocking delegated request.
type MessageRequest struct {
	Message   models.Message `json:"message"`
	ContextID string         `json:"context_id,omitempty"`
}

// cardEntry pairs a cached card with the time it was fetched.
type cardEntry struct {
	card     *AgentCard
	storedAt time.Time
}

// Communicator sends blocking questions to collaborator agents.
type Communicator struct {
	registry map[string]string
	client   *http.Client
	timeout  time.Duration
	cards    *lru.Cache[string, cardEntry]
	log      logger.Logger
}

// NewCommunicator creates a Communicator over the registry (agent name to
// base URL). The timeout bounds each individual delegated request.
func NewCommunicator(registry map[string]string, timeout time.Duration, log logger.Logger) *Communicator {
	if log == nil {
		log = logger.Discard()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cards, _ := lru.New[string, cardEntry](cardCacheSize)
	return &Communicator{
		registry: registry,
		client:   &http.Client{},
		timeout:  timeout,
		cards:    cards,
		log:      log,
	}
}

// Known reports whether agent exists in the registry.
func (c *Communicator) Known(agent string) bool {
	_, ok := c.registry[agent]
	return ok
}

// Agents lists every registry entry.
func (c *Communicator) Agents() []string {
	names := make([]string, 0, len(c.registry))
	for name := range c.registry {
		names = append(names, name)
	}
	return names
}

// Card fetches the collaborator's agent card, serving from the LRU cache
// while the entry is fresh.
func (c *Communicator) Card(ctx context.Context, agent string) (*AgentCard, error) {
	if entry, ok := c.cards.Get(agent); ok && time.Since(entry.storedAt) < cardCacheTTL {
		return entry.card, nil
	}

	baseURL, ok := c.registry[agent]
	if !ok {
		return nil, fmt.Errorf("agent %s not found in registry", agent)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/card", nil)
	if err != nil {
		return nil, fmt.Errorf("build card request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch card for %s: %w", agent, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch card for %s: status %d", agent, resp.StatusCode)
	}

	var card AgentCard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return nil, fmt.Errorf("decode card for %s: %w", agent, err)
	}

	c.cards.Add(agent, cardEntry{card: &card, storedAt: time.Now()})
	c.log.Debugf("fetched agent card for %s (%s)", agent, card.Role)
	return &card, nil
}

// Ask sends a blocking question to a collaborator and returns its textual
// response. The call is bounded by the communicator timeout; the peer holds
// the request open until its own task reaches a terminal state.
func (c *Communicator) Ask(ctx context.Context, agent, question, contextID string) (string, error) {
	task, err := c.sendMessage(ctx, agent, question, contextID)
	if err != nil {
		return "", err
	}

	text := task.ResponseText()
	if text == "" {
		c.log.Warnf("no text response from %s for task %s", agent, task.ID)
		return "No response", nil
	}
	return text, nil
}

func (c *Communicator) sendMessage(ctx context.Context, agent, text, contextID string) (*models.Task, error) {
	baseURL, ok := c.registry[agent]
	if !ok {
		return nil, fmt.Errorf("agent %s not found in registry", agent)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload := MessageRequest{
		Message: models.Message{
			MessageID: uuid.NewString(),
			Role:      "user",
			Parts:     []models.Part{{Text: text}},
		},
		ContextID: contextID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/message", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build message request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.log.Debugf("asking %s: %.100s", agent, text)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send message to %s: %w", agent, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("message to %s: status %d: %s", agent, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var task models.Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return nil, fmt.Errorf("decode task from %s: %w", agent, err)
	}

	c.log.Debugf("received task %s from %s (state %s)", task.ID, agent, task.Status.State)
	return &task, nil
}

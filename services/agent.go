package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/botsphere/botsphere/db"
)

// ReplyGenerator is the external reply-generation capability. The service
// treats it as a black box: profile text and history go in, reply text comes
// out.
type ReplyGenerator interface {
	GenerateReply(ctx context.Context, req *ReplyRequest) (string, error)
}

// ReplyRequest carries the opaque business profile plus a bounded window of
// recent turns.
type ReplyRequest struct {
	Business    *db.Business
	History     []db.Message
	PhoneNumber string
	Message     string
}

// AgentClient calls the AI agent service over HTTP.
type AgentClient struct {
	baseURL string
	client  *http.Client
}

func NewAgentClient(baseURL string, timeout time.Duration) *AgentClient {
	return &AgentClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type agentRequest struct {
	Message     string         `json:"message"`
	PhoneNumber string         `json:"phone_number"`
	Business    agentBusiness  `json:"business"`
	History     []agentHistory `json:"history"`
}

type agentBusiness struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	Catalog       string `json:"catalog"`
	BusinessHours string `json:"business_hours"`
}

type agentHistory struct {
	User string `json:"user"`
	Bot  string `json:"bot"`
}

type agentResponse struct {
	Reply string `json:"reply"`
}

// GenerateReply posts the message with its context window to the agent.
// Deadline expiry maps to ErrReplyTimeout so dispatch can record the terminal
// state without retrying.
func (c *AgentClient) GenerateReply(ctx context.Context, req *ReplyRequest) (string, error) {
	payload := agentRequest{
		Message:     req.Message,
		PhoneNumber: req.PhoneNumber,
		Business: agentBusiness{
			Name:          req.Business.Name,
			Description:   req.Business.Description,
			Catalog:       req.Business.Catalog,
			BusinessHours: req.Business.BusinessHours,
		},
		History: make([]agentHistory, 0, len(req.History)),
	}
	for _, m := range req.History {
		payload.History = append(payload.History, agentHistory{User: m.UserMessage, Bot: m.AIResponse})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrReplyFailed, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ai-response", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrReplyFailed, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return "", ErrReplyTimeout
		}
		return "", fmt.Errorf("%w: %v", ErrReplyFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: agent returned %d", ErrReplyFailed, resp.StatusCode)
	}

	var out agentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrReplyFailed, err)
	}
	if out.Reply == "" {
		return "", fmt.Errorf("%w: agent returned empty reply", ErrReplyFailed)
	}
	return out.Reply, nil
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

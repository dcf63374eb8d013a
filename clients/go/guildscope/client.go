// Package guildscope provides a client for the guildscope debugging API.
package guildscope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client is a guildscope API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a new guildscope client.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// envelope mirrors the server response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Meta    *PageMeta       `json:"meta"`
	Error   *APIError       `json:"error"`
}

// APIError is the error object inside a failed response.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("guildscope: %s: %s", e.Code, e.Message)
}

// PageMeta describes pagination state of a list response.
type PageMeta struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"hasMore"`
}

// doRequest performs an HTTP request and unwraps the envelope into dest.
// It returns the page meta when the response carries one.
func (c *Client) doRequest(method, path string, body []byte, dest any) (*PageMeta, error) {
	req, err := http.NewRequest(method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("guildscope: bad response (%d): %w", resp.StatusCode, err)
	}
	if !env.Success {
		if env.Error != nil {
			return nil, env.Error
		}
		return nil, fmt.Errorf("guildscope: request failed with status %d", resp.StatusCode)
	}

	if dest != nil {
		if err := json.Unmarshal(env.Data, dest); err != nil {
			return nil, err
		}
	}
	return env.Meta, nil
}

// AgentRef identifies an agent.
type AgentRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Guild is a message namespace.
type Guild struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Namespace    string `json:"namespace"`
	TopicCount   int    `json:"topicCount"`
	LastActivity int64  `json:"lastActivity,omitempty"`
	Status       string `json:"status"`
}

// Topic is a message stream inside a guild.
type Topic struct {
	GuildID      string `json:"guildId"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	MessageCount int64  `json:"messageCount"`
	LastActivity int64  `json:"lastActivity,omitempty"`
}

// Message is one runtime message.
type Message struct {
	ID             string          `json:"id"`
	Priority       int             `json:"priority"`
	Timestamp      int64           `json:"timestamp"`
	Sender         AgentRef        `json:"sender"`
	Topics         []string        `json:"topics"`
	RecipientList  []AgentRef      `json:"recipientList"`
	Payload        json.RawMessage `json:"payload"`
	Format         string          `json:"format"`
	InResponseTo   string          `json:"inResponseTo,omitempty"`
	Thread         []string        `json:"thread,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	IsErrorMessage bool            `json:"isErrorMessage"`
	ProcessStatus  string          `json:"processStatus,omitempty"`
}

// ExportJob is the state of an asynchronous export.
type ExportJob struct {
	ExportID    string `json:"exportId"`
	Format      string `json:"format"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
	CompletedAt int64  `json:"completedAt,omitempty"`
}

// Health is the (unenveloped) health report.
type Health struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Services map[string]struct {
		Connected bool   `json:"connected"`
		Latency   string `json:"latency,omitempty"`
	} `json:"services"`
}

// GetHealth checks server health.
func (c *Client) GetHealth() (*Health, error) {
	resp, err := c.HTTPClient.Get(c.BaseURL + "/health")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ListGuilds fetches one page of guilds.
func (c *Client) ListGuilds(limit, offset int) ([]Guild, *PageMeta, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/guilds"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var guilds []Guild
	meta, err := c.doRequest(http.MethodGet, path, nil, &guilds)
	return guilds, meta, err
}

// GetGuild fetches a single guild by ID.
func (c *Client) GetGuild(guildID string) (*Guild, error) {
	var g Guild
	_, err := c.doRequest(http.MethodGet, "/guilds/"+url.PathEscape(guildID), nil, &g)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// ListTopics fetches a guild's topics.
func (c *Client) ListTopics(guildID string) ([]Topic, error) {
	var topics []Topic
	_, err := c.doRequest(http.MethodGet, "/guilds/"+url.PathEscape(guildID)+"/topics", nil, &topics)
	return topics, err
}

// MessageQuery narrows GetMessages.
type MessageQuery struct {
	Start    int64
	End      int64
	Statuses string // comma separated
	ThreadID string
	Limit    int
	Offset   int
}

// GetMessages fetches one page of a topic's messages, newest first.
func (c *Client) GetMessages(guildID, topicName string, query MessageQuery) ([]Message, *PageMeta, error) {
	q := url.Values{}
	if query.Start > 0 {
		q.Set("start", strconv.FormatInt(query.Start, 10))
	}
	if query.End > 0 {
		q.Set("end", strconv.FormatInt(query.End, 10))
	}
	if query.Statuses != "" {
		q.Set("status", query.Statuses)
	}
	if query.ThreadID != "" {
		q.Set("threadId", query.ThreadID)
	}
	if query.Limit > 0 {
		q.Set("limit", strconv.Itoa(query.Limit))
	}
	if query.Offset > 0 {
		q.Set("offset", strconv.Itoa(query.Offset))
	}

	path := "/guilds/" + url.PathEscape(guildID) + "/topics/" + url.PathEscape(topicName) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var messages []Message
	meta, err := c.doRequest(http.MethodGet, path, nil, &messages)
	return messages, meta, err
}

// GetMessage fetches a single message by its 16-hex-digit ID.
func (c *Client) GetMessage(messageID string) (*Message, error) {
	var m Message
	_, err := c.doRequest(http.MethodGet, "/messages/"+url.PathEscape(messageID), nil, &m)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ExportRequest is the body of CreateExport.
type ExportRequest struct {
	Filter            map[string]any `json:"filter"`
	Format            string         `json:"format"`
	CompressionFormat string         `json:"compressionFormat,omitempty"`
}

// CreateExport starts an asynchronous export job.
func (c *Client) CreateExport(req ExportRequest) (*ExportJob, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var job ExportJob
	if _, err := c.doRequest(http.MethodPost, "/export", body, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ExportStatus polls an export job.
func (c *Client) ExportStatus(exportID string) (*ExportJob, error) {
	var job ExportJob
	_, err := c.doRequest(http.MethodGet, "/export/"+url.PathEscape(exportID)+"/status", nil, &job)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// DownloadExport streams a completed artifact to w.
func (c *Client) DownloadExport(exportID string, w io.Writer) error {
	resp, err := c.HTTPClient.Get(c.BaseURL + "/export/" + url.PathEscape(exportID) + "/download")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		var env envelope
		if json.Unmarshal(body, &env) == nil && env.Error != nil {
			return env.Error
		}
		return fmt.Errorf("guildscope: download failed with status %d", resp.StatusCode)
	}

	_, err = io.Copy(w, resp.Body)
	return err
}

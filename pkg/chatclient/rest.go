package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"

	"castlemate/pkg/chatproto"
)

// restClient talks to the durable HTTP API. It backs the message delivery
// fallback, history loads and read-state persistence; the bearer token is
// read per request so auth refreshes take effect immediately.
type restClient struct {
	baseURL string
	http    *http.Client
	token   func() string
}

func newRESTClient(baseURL string, httpClient *http.Client, token func() string) *restClient {
	return &restClient{
		baseURL: baseURL,
		http:    httpClient,
		token:   token,
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type page struct {
	Items json.RawMessage `json:"items"`
	Total int64           `json:"total"`
}

func (r *restClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+r.token())

	return r.send(req, out)
}

func (r *restClient) send(req *http.Request, out interface{}) error {
	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if len(raw) == 0 {
		if resp.StatusCode >= 400 {
			return fmt.Errorf("api: %s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
		}
		return nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("api: decoding response: %w", err)
	}

	if !env.Success {
		if env.Error != nil {
			return fmt.Errorf("api: %s: %s", env.Error.Code, env.Error.Message)
		}
		return fmt.Errorf("api: %s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	}

	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func (r *restClient) listConversations(ctx context.Context, skip, limit int) ([]chatproto.Conversation, int64, error) {
	var p page
	path := fmt.Sprintf("/conversations?skip=%d&limit=%d", skip, limit)
	if err := r.do(ctx, http.MethodGet, path, nil, &p); err != nil {
		return nil, 0, err
	}

	var conversations []chatproto.Conversation
	if err := json.Unmarshal(p.Items, &conversations); err != nil {
		return nil, 0, err
	}
	return conversations, p.Total, nil
}

func (r *restClient) listMessages(ctx context.Context, conversationID string, skip, limit int) ([]chatproto.Message, int64, error) {
	var p page
	path := fmt.Sprintf("/conversations/%s/messages?skip=%d&limit=%d", url.PathEscape(conversationID), skip, limit)
	if err := r.do(ctx, http.MethodGet, path, nil, &p); err != nil {
		return nil, 0, err
	}

	var messages []chatproto.Message
	if err := json.Unmarshal(p.Items, &messages); err != nil {
		return nil, 0, err
	}
	return messages, p.Total, nil
}

func (r *restClient) createMessage(ctx context.Context, payload chatproto.SendMessagePayload) (chatproto.Message, error) {
	body := map[string]interface{}{
		"content":      payload.Content,
		"message_type": payload.MessageType,
	}
	if payload.File != nil {
		body["file"] = payload.File
	}

	var message chatproto.Message
	path := "/conversations/" + url.PathEscape(payload.ConversationID) + "/messages"
	if err := r.do(ctx, http.MethodPost, path, body, &message); err != nil {
		return chatproto.Message{}, err
	}
	return message, nil
}

func (r *restClient) createConversation(ctx context.Context, recipientID, batchID string) (chatproto.Conversation, error) {
	body := map[string]string{}
	if recipientID != "" {
		body["recipient_id"] = recipientID
	}
	if batchID != "" {
		body["batch_id"] = batchID
	}

	var conversation chatproto.Conversation
	if err := r.do(ctx, http.MethodPost, "/conversations", body, &conversation); err != nil {
		return chatproto.Conversation{}, err
	}
	return conversation, nil
}

func (r *restClient) markRead(ctx context.Context, conversationID string, messageIDs []string) error {
	body := map[string][]string{"message_ids": messageIDs}
	path := "/conversations/" + url.PathEscape(conversationID) + "/read"
	return r.do(ctx, http.MethodPut, path, body, nil)
}

func (r *restClient) contacts(ctx context.Context) ([]chatproto.Participant, error) {
	var contacts []chatproto.Participant
	if err := r.do(ctx, http.MethodGet, "/contacts", nil, &contacts); err != nil {
		return nil, err
	}
	return contacts, nil
}

func (r *restClient) uploadAttachment(ctx context.Context, fileName string, content io.Reader) (chatproto.FileMeta, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		return chatproto.FileMeta{}, err
	}
	if _, err := io.Copy(part, content); err != nil {
		return chatproto.FileMeta{}, err
	}
	if err := writer.Close(); err != nil {
		return chatproto.FileMeta{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/uploads", &buf)
	if err != nil {
		return chatproto.FileMeta{}, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+r.token())

	var file chatproto.FileMeta
	if err := r.send(req, &file); err != nil {
		return chatproto.FileMeta{}, err
	}
	return file, nil
}

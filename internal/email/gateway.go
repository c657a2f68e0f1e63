package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Config points the gateway client at the notification API.
type Config struct {
	BaseURL    string
	Token      string
	From       string
	TeamTag    string
	ProductTag string
}

// Gateway delivers mail through the notification API: JSON for plain
// messages, multipart for attachments. It holds no state beyond the HTTP
// client and is safe for concurrent use.
type Gateway struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Gateway {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Gateway{
		cfg:  cfg,
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

func (g *Gateway) Close() {
	g.http.CloseIdleConnections()
}

type plainMessage struct {
	From       string `json:"from"`
	To         string `json:"to"`
	Subject    string `json:"subject"`
	HTML       string `json:"html"`
	TeamTag    string `json:"teamTag,omitempty"`
	ProductTag string `json:"productTag,omitempty"`
}

// SendPlain posts an HTML-only message.
func (g *Gateway) SendPlain(ctx context.Context, to, subject, bodyHTML string) error {
	payload, err := json.Marshal(plainMessage{
		From:       g.cfg.From,
		To:         to,
		Subject:    subject,
		HTML:       bodyHTML,
		TeamTag:    g.cfg.TeamTag,
		ProductTag: g.cfg.ProductTag,
	})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/v1/email", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return g.send(req)
}

// SendAttachment uploads the artifact and message as one multipart request.
func (g *Gateway) SendAttachment(ctx context.Context, to, subject, bodyHTML string, attachment []byte, filename string) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := map[string]string{
		"from":       g.cfg.From,
		"to":         to,
		"subject":    subject,
		"html":       bodyHTML,
		"teamTag":    g.cfg.TeamTag,
		"productTag": g.cfg.ProductTag,
	}
	for name, value := range fields {
		if value == "" {
			continue
		}
		if err := mw.WriteField(name, value); err != nil {
			return fmt.Errorf("write field %s: %w", name, err)
		}
	}
	part, err := mw.CreateFormFile("attachment", filename)
	if err != nil {
		return fmt.Errorf("create attachment part: %w", err)
	}
	if _, err := part.Write(attachment); err != nil {
		return fmt.Errorf("write attachment: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/v1/email/attachment", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return g.send(req)
}

func (g *Gateway) send(req *http.Request) error {
	if g.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("notification api: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fmt.Errorf("notification api returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

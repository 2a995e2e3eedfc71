package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/lioneltay/claude-pilot/domain/auth"
	"github.com/lioneltay/claude-pilot/domain/chat"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	DefaultInitiatorHeader = "X-Initiator"
	streamBufferSize       = 4096
)

type ProviderConfig struct {
	BaseURL         string
	InitiatorHeader string
	// RequestTimeout bounds non-streaming calls. Streams are bounded only by
	// the caller's context.
	RequestTimeout time.Duration
	MaxRetries     int
}

// Provider talks to the chat-completions backend
type Provider struct {
	baseURL         string
	initiatorHeader string
	requestTimeout  time.Duration
	maxRetries      int
	tokens          auth.TokenProvider
	httpClient      *http.Client
	rng             *rand.Rand
	rngMutex        sync.Mutex
}

func NewProvider(cfg ProviderConfig, tokens auth.TokenProvider) *Provider {
	// Configure HTTP client with connection pooling
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       200,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
	}

	if cfg.InitiatorHeader == "" {
		cfg.InitiatorHeader = DefaultInitiatorHeader
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	return &Provider{
		baseURL:         cfg.BaseURL,
		initiatorHeader: cfg.InitiatorHeader,
		requestTimeout:  cfg.RequestTimeout,
		maxRetries:      cfg.MaxRetries,
		tokens:          tokens,
		httpClient:      &http.Client{Transport: transport},
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *Provider) Chat(ctx context.Context, req *chat.Request) (*chat.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, p.requestTimeout)
	defer cancel()
	return p.chatWithRetry(ctx, req)
}

func (p *Provider) chatWithRetry(ctx context.Context, req *chat.Request) (*chat.Response, error) {
	body := *req
	body.Stream = false
	body.StreamOptions = nil
	jsonData, err := json.Marshal(&body)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 1s, 2s, 4s plus up to 250ms jitter
			backoff := time.Duration(math.Pow(2, float64(attempt-1)))*time.Second + p.jitter()
			logrus.WithFields(logrus.Fields{
				"attempt": attempt + 1,
				"backoff": backoff,
				"model":   req.Model,
			}).Info("Retrying backend call after backoff")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := p.post(ctx, req, jsonData, false)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read: %w", err)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			statusErr := newStatusError(resp.StatusCode, req.Model, data)
			if statusErr.Retryable() {
				logrus.WithFields(logrus.Fields{"status": resp.StatusCode, "model": req.Model, "attempt": attempt + 1}).Warn("Retryable backend error")
				lastErr = statusErr
				continue
			}
			logrus.WithFields(logrus.Fields{"status": resp.StatusCode, "body": string(data), "model": req.Model}).Error("Backend API error")
			return nil, statusErr
		}

		var out chat.Response
		if err := json.Unmarshal(data, &out); err != nil {
			lastErr = fmt.Errorf("unmarshal: %w", err)
			continue
		}
		return &out, nil
	}

	var statusErr *chat.StatusError
	if errors.As(lastErr, &statusErr) {
		return nil, statusErr
	}
	return nil, fmt.Errorf("backend call failed after %d attempts: %w", p.maxRetries, lastErr)
}

// Stream posts a streaming request and hands every transport chunk to
// onChunk unparsed. The chunk slice is reused between calls. An error from
// onChunk stops the read and is returned as is.
func (p *Provider) Stream(ctx context.Context, req *chat.Request, onChunk chat.StreamHandler[[]byte]) error {
	body := *req
	body.Stream = true
	if body.StreamOptions == nil {
		body.StreamOptions = &chat.StreamOptions{IncludeUsage: true}
	}
	jsonData, err := json.Marshal(&body)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	resp, err := p.post(ctx, req, jsonData, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		logrus.WithFields(logrus.Fields{"status": resp.StatusCode, "body": string(data), "model": req.Model}).Error("Backend streaming API error")
		return newStatusError(resp.StatusCode, req.Model, data)
	}

	buf := make([]byte, streamBufferSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if herr := onChunk(buf[:n]); herr != nil {
				return herr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("stream read: %w", err)
		}
	}
}

func (p *Provider) post(ctx context.Context, req *chat.Request, body []byte, stream bool) (*http.Response, error) {
	cred, err := p.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire backend token: %w", err)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Authorization", "Bearer "+cred.Bearer)
	if stream {
		hreq.Header.Set("Accept", "text/event-stream")
	}
	if req.Initiator != "" {
		hreq.Header.Set(p.initiatorHeader, req.Initiator)
	}

	resp, err := p.httpClient.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("do: %w", err)
	}
	return resp, nil
}

func (p *Provider) jitter() time.Duration {
	p.rngMutex.Lock()
	defer p.rngMutex.Unlock()
	return time.Duration(p.rng.Intn(250)) * time.Millisecond
}

func newStatusError(status int, model string, body []byte) *chat.StatusError {
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = gjson.GetBytes(body, "message").String()
	}
	return &chat.StatusError{StatusCode: status, Model: model, Message: msg, Body: string(body)}
}

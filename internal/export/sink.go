package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// DeliverySink receives finished export documents. Delivery is synchronous:
// a nil return means the document is durably handed off and the cursor may
// advance. Sinks must tolerate duplicate documents (at-least-once).
type DeliverySink interface {
	Deliver(ctx context.Context, doc *ExportDocument) error
}

// DirectorySink writes each document as one JSON file in a directory, using
// a temp file plus rename so consumers never observe a partial document.
type DirectorySink struct {
	Dir string
}

func NewDirectorySink(dir string) (*DirectorySink, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	return &DirectorySink{Dir: dir}, nil
}

func (s *DirectorySink) Deliver(ctx context.Context, doc *ExportDocument) error {
	if s == nil || doc == nil {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := doc.Encode()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("vitalexport_%s_%s.json",
		strings.ToLower(doc.ExportType),
		doc.Timestamp.UTC().Format("20060102T150405Z"))
	target := filepath.Join(s.Dir, name)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}

// HTTPSink POSTs documents to a consumer endpoint, retrying transient
// failures with capped backoff.
type HTTPSink struct {
	endpoint   string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPSink(endpoint, token string, httpClient *http.Client) (*HTTPSink, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, ErrInvalidInput
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSink{
		endpoint:   endpoint,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  200 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}, nil
}

func (s *HTTPSink) Deliver(ctx context.Context, doc *ExportDocument) error {
	if s == nil || doc == nil {
		return ErrInvalidInput
	}
	data, err := doc.Encode()
	if err != nil {
		return err
	}
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			delay := s.baseDelay << (attempt - 1)
			if delay > s.maxDelay {
				delay = s.maxDelay
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if s.token != "" {
			req.Header.Set("Authorization", "Bearer "+s.token)
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("sink returned http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			break
		}
	}
	return lastErr
}

// WebsocketSink dials the consumer per delivery and pushes the document as
// one text message. Keeping the connection per-delivery keeps redelivery
// semantics identical to the HTTP sink.
type WebsocketSink struct {
	endpoint    string
	dialTimeout time.Duration
}

func NewWebsocketSink(endpoint string) (*WebsocketSink, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, ErrInvalidInput
	}
	return &WebsocketSink{endpoint: endpoint, dialTimeout: 15 * time.Second}, nil
}

func (s *WebsocketSink) Deliver(ctx context.Context, doc *ExportDocument) error {
	if s == nil || doc == nil {
		return ErrInvalidInput
	}
	data, err := doc.Encode()
	if err != nil {
		return err
	}
	dialCtx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, s.endpoint, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusInternalError, "delivery aborted")
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return err
	}
	return conn.Close(websocket.StatusNormalClosure, "")
}

type SinkFactory func(dsn string) (DeliverySink, error)

var sinkFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]SinkFactory
}{
	factories: map[string]SinkFactory{},
}

func RegisterSinkFactory(scheme string, factory SinkFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	sinkFactoryRegistry.mu.Lock()
	defer sinkFactoryRegistry.mu.Unlock()
	sinkFactoryRegistry.factories[scheme] = factory
}

func lookupSinkFactory(scheme string) (SinkFactory, bool) {
	scheme = normalizeScheme(scheme)
	sinkFactoryRegistry.mu.RLock()
	defer sinkFactoryRegistry.mu.RUnlock()
	factory, ok := sinkFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildSinkFromDSN selects a delivery sink by DSN scheme. A bare path or
// file:// DSN selects the directory sink.
func BuildSinkFromDSN(dsn, token string) (DeliverySink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupSinkFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewDirectorySink(path)
	case "http", "https":
		return NewHTTPSink(dsn, token, nil)
	case "ws", "wss":
		return NewWebsocketSink(dsn)
	case "s3", "gs":
		return nil, fmt.Errorf("%w: delivery sink backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported delivery sink scheme: %s", scheme)
	}
}

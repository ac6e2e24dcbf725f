package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// PublisherConfig holds configuration for the assistant webhook
type PublisherConfig struct {
	WebhookURL string
	APIKey     string
	BatchSize  int
	Interval   time.Duration
	Timeout    time.Duration
	RetryMax   int
}

// DefaultPublisherConfig returns the default batching settings. The webhook URL is left empty.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		BatchSize: 10,
		Interval:  30 * time.Second,
		Timeout:   10 * time.Second,
		RetryMax:  3,
	}
}

// Publisher batches summaries and posts them to the assistant webhook when the batch
// is full or the interval elapses. Without a webhook URL it discards everything.
type Publisher struct {
	config     PublisherConfig
	httpClient *retryablehttp.Client

	mutex      sync.RWMutex
	batch      []Summary
	lastExport time.Time
	sent       int
	failed     int
	stopped    bool

	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewPublisher creates a publisher and starts its interval flush
func NewPublisher(config PublisherConfig) *Publisher {
	p := &Publisher{config: config}
	if !p.Enabled() {
		return p
	}
	if p.config.BatchSize <= 0 {
		p.config.BatchSize = 1
	}
	if p.config.Interval <= 0 {
		p.config.Interval = time.Minute
	}

	p.httpClient = retryablehttp.NewClient()
	p.httpClient.RetryMax = config.RetryMax
	p.httpClient.RetryWaitMin = 200 * time.Millisecond
	p.httpClient.RetryWaitMax = 2 * time.Second
	p.httpClient.HTTPClient.Timeout = config.Timeout
	p.httpClient.Logger = nil

	var ctx context.Context
	ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan struct{})
	go p.periodicFlush(ctx)

	logrus.Infof("Assistant publisher initialized for %s", config.WebhookURL)
	return p
}

// Enabled reports whether a webhook is configured.
func (p *Publisher) Enabled() bool {
	return p.config.WebhookURL != ""
}

// Add queues a summary; a full batch is sent right away.
// Summaries added after Stop are discarded.
func (p *Publisher) Add(s Summary) {
	if !p.Enabled() {
		return
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.stopped {
		logrus.Debugf("Publisher stopped, discarding summary for %s", s.Symbol)
		return
	}
	p.batch = append(p.batch, s)
	if len(p.batch) < p.config.BatchSize {
		return
	}

	// Stop sets stopped under this lock before it waits on wg
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.Flush(context.Background())
	}()
}

func (p *Publisher) periodicFlush(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Flush(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Flush sends the pending batch. Failed batches are logged and dropped.
func (p *Publisher) Flush(ctx context.Context) {
	p.mutex.Lock()
	if len(p.batch) == 0 {
		p.mutex.Unlock()
		return
	}
	batch := p.batch
	p.batch = nil
	p.mutex.Unlock()

	err := p.post(ctx, batch)

	p.mutex.Lock()
	defer p.mutex.Unlock()
	if err != nil {
		p.failed += len(batch)
		logrus.Errorf("Failed to publish %d summaries: %v", len(batch), err)
		return
	}
	p.sent += len(batch)
	p.lastExport = time.Now()
	logrus.Debugf("Published %d summaries to assistant", len(batch))
}

func (p *Publisher) post(ctx context.Context, batch []Summary) error {
	payload := struct {
		Summaries  []Summary `json:"summaries"`
		Text       []string  `json:"text"`
		ExportTime string    `json:"export_time"`
		Count      int       `json:"count"`
	}{
		Summaries:  batch,
		ExportTime: time.Now().UTC().Format(time.RFC3339),
		Count:      len(batch),
	}
	for _, s := range batch {
		payload.Text = append(payload.Text, s.Text())
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal summaries: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, p.config.WebhookURL, jsonData)
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned error status: %d", resp.StatusCode)
	}
	return nil
}

// Stop halts the interval flush and sends whatever is still pending.
func (p *Publisher) Stop() {
	if p.cancel == nil {
		return
	}
	p.mutex.Lock()
	p.stopped = true
	p.mutex.Unlock()

	p.cancel()
	<-p.done
	p.wg.Wait()
	p.Flush(context.Background())
}

// Status reports the publisher's counters
func (p *Publisher) Status() map[string]interface{} {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	status := map[string]interface{}{
		"enabled":       p.Enabled(),
		"batch_size":    p.config.BatchSize,
		"interval":      p.config.Interval.String(),
		"current_batch": len(p.batch),
		"sent":          p.sent,
		"failed":        p.failed,
	}
	if !p.lastExport.IsZero() {
		status["last_export"] = p.lastExport.Format(time.RFC3339)
	}
	return status
}

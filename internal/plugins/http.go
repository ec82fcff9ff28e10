package plugins

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/zsiec/tsproc/internal/mpegts"
	"github.com/zsiec/tsproc/internal/plugin"
)

// HTTPInput reads a transport stream from an HTTP(S) URL. Failed requests
// are retried with exponential backoff; with --reconnect the URL is fetched
// again each time the response ends.
//
//	-I http url [--retries N] [--reconnect] [--reconnect-delay D]
type HTTPInput struct {
	plugin.Base

	url            string
	retries        int
	reconnect      bool
	reconnectDelay time.Duration

	client *retryablehttp.Client

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	body   io.ReadCloser
	reader *packetReader
	fetch  int
}

// NewHTTPInput creates the HTTP input plugin.
func NewHTTPInput(tsp plugin.TSP) plugin.Input {
	return &HTTPInput{Base: plugin.NewBase(tsp, "http", plugin.KindInput)}
}

func (p *HTTPInput) Configure(args []string) error {
	fs := p.FlagSet()
	retries := fs.Int("retries", 3, "number of retries of a failed request")
	reconnect := fs.Bool("reconnect", false, "fetch the URL again when the response ends")
	delay := fs.Duration("reconnect-delay", time.Second, "delay before fetching the URL again")
	if err := p.Parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("http: exactly one URL is required")
	}
	if *retries < 0 {
		return fmt.Errorf("http: invalid --retries %d", *retries)
	}
	p.url, p.retries, p.reconnect, p.reconnectDelay = fs.Arg(0), *retries, *reconnect, *delay
	return nil
}

func (p *HTTPInput) Start() error {
	p.client = retryablehttp.NewClient()
	p.client.RetryMax = p.retries
	p.client.RetryWaitMin = 500 * time.Millisecond
	p.client.RetryWaitMax = 10 * time.Second
	p.client.Logger = p.Log()

	p.mu.Lock()
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()
	p.fetch = 0
	return p.open()
}

func (p *HTTPInput) open() error {
	req, err := retryablehttp.NewRequestWithContext(p.ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("http: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("http: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("http: GET %s: %s", p.url, resp.Status)
	}
	p.fetch++
	p.Log().Info("connected", "url", p.url, "fetch", p.fetch, "content_type", resp.Header.Get("Content-Type"))
	p.mu.Lock()
	p.body = resp.Body
	p.mu.Unlock()
	p.reader = newPacketReader(resp.Body)
	return nil
}

func (p *HTTPInput) closeBody() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.body != nil {
		p.body.Close()
		p.body = nil
	}
}

func (p *HTTPInput) AbortInput() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *HTTPInput) Stop() error {
	p.AbortInput()
	p.closeBody()
	return nil
}

func (p *HTTPInput) Receive(pkts []mpegts.Packet, _ []plugin.Metadata) (int, error) {
	for {
		n, err := p.reader.read(pkts)
		if n > 0 {
			return n, nil
		}
		if p.ctx.Err() != nil {
			return 0, io.EOF
		}
		if !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("http: %w", err)
		}
		p.closeBody()
		if !p.reconnect {
			return 0, io.EOF
		}
		select {
		case <-p.ctx.Done():
			return 0, io.EOF
		case <-time.After(p.reconnectDelay):
		}
		if err := p.open(); err != nil {
			if p.ctx.Err() != nil {
				return 0, io.EOF
			}
			return 0, err
		}
	}
}

// Package notes turns a final transcript into a structured clinical note
// through an OpenAI-compatible chat completions endpoint.
package notes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/xrlink/internal/util"

	logging "github.com/ipfs/go-log/v2"
	"github.com/sony/gobreaker"
)

var log = logging.Logger("notes")

const (
	NoData    = "No data available"
	ErrorText = "Error generating note"
)

var (
	ErrDisabled     = errors.New("notes: generation disabled")
	ErrNoAPIKey     = errors.New("notes: api key not configured")
	ErrNoEndpoint   = errors.New("notes: could not resolve llm endpoint")
	ErrEmptyContent = errors.New("notes: empty completion")
)

// Section names in output order.
var Sections = []string{
	"Chief Complaints",
	"History of Present Illness",
	"Subjective",
	"Objective",
	"Assessment",
	"Plan",
	"Medication",
}

// Note is a structured clinical note. Each section is a list of lines.
type Note struct {
	ChiefComplaints []string `json:"Chief Complaints"`
	HPI             []string `json:"History of Present Illness"`
	Subjective      []string `json:"Subjective"`
	Objective       []string `json:"Objective"`
	Assessment      []string `json:"Assessment"`
	Plan            []string `json:"Plan"`
	Medication      []string `json:"Medication"`
}

func (n *Note) fields() []*[]string {
	return []*[]string{&n.ChiefComplaints, &n.HPI, &n.Subjective, &n.Objective, &n.Assessment, &n.Plan, &n.Medication}
}

func filled(text string) Note {
	var n Note
	for _, f := range n.fields() {
		*f = []string{text}
	}
	return n
}

// ErrorNote is the placeholder returned whenever generation fails.
func ErrorNote() Note { return filled(ErrorText) }

type Options struct {
	APIKey       string
	Model        string
	Temperature  float64
	Endpoint     string // base url; discovered when empty
	DiscoveryURL string
	Timeout      time.Duration
}

type Generator struct {
	opts   Options
	client *http.Client
	cb     *gobreaker.CircuitBreaker

	mu       sync.Mutex
	endpoint string
}

func New(opts Options) *Generator {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	g := &Generator{
		opts:     opts,
		client:   &http.Client{Timeout: opts.Timeout},
		endpoint: util.NormalizeURL(opts.Endpoint),
	}
	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notes",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnw("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return g
}

// Generate builds a note from transcript. On any failure it returns the
// error placeholder together with the cause.
func (g *Generator) Generate(ctx context.Context, transcript string) (Note, error) {
	if g == nil {
		return ErrorNote(), ErrDisabled
	}
	out, err := g.cb.Execute(func() (interface{}, error) {
		return g.generate(ctx, transcript)
	})
	if err != nil {
		log.Warnw("note generation failed", "err", err)
		return ErrorNote(), err
	}
	return out.(Note), nil
}

func (g *Generator) generate(ctx context.Context, transcript string) (Note, error) {
	if strings.TrimSpace(g.opts.APIKey) == "" {
		return Note{}, ErrNoAPIKey
	}
	base, err := g.resolveEndpoint(ctx)
	if err != nil {
		return Note{}, err
	}

	body, err := json.Marshal(chatRequest{
		Model: g.opts.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(transcript)},
		},
		Temperature: g.opts.Temperature,
	})
	if err != nil {
		return Note{}, err
	}

	resp, err := g.post(ctx, base+"/v1/chat/completions", body)
	if err != nil {
		log.Debugw("primary completions path failed, trying fallback", "err", err)
		resp, err = g.post(ctx, base+"/chat/completions", body)
		if err != nil {
			return Note{}, err
		}
	}

	content := resp.content()
	if content == "" {
		return Note{}, ErrEmptyContent
	}
	return ParseNote(content)
}

func (g *Generator) resolveEndpoint(ctx context.Context) (string, error) {
	g.mu.Lock()
	cached := g.endpoint
	g.mu.Unlock()
	if cached != "" {
		return cached, nil
	}
	if g.opts.DiscoveryURL == "" {
		return "", ErrNoEndpoint
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.opts.DiscoveryURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("apiKey", g.opts.APIKey)
	res, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("discover endpoint: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		return "", fmt.Errorf("discover endpoint: status %d", res.StatusCode)
	}

	var out struct {
		Result struct {
			LLMEndpoint string `json:"llmEndpoint"`
		} `json:"result"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("discover endpoint: %w", err)
	}
	ep := util.NormalizeURL(out.Result.LLMEndpoint)
	if ep == "" {
		return "", ErrNoEndpoint
	}

	g.mu.Lock()
	g.endpoint = ep
	g.mu.Unlock()
	log.Infow("llm endpoint discovered", "endpoint", ep)
	return ep, nil
}

func (g *Generator) post(ctx context.Context, url string, body []byte) (*chatResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apiKey", g.opts.APIKey)

	res, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, fmt.Errorf("%s: status %d: %s", url, res.StatusCode, util.Preview(string(b), 200))
	}

	var out chatResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", url, err)
	}
	return &out, nil
}

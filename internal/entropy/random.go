// Package entropy supplies the uniform randomness agents mix into their
// trade desirability. A seeded source makes runs reproducible; the random.org
// pool and crypto/rand are available when they should not be.
package entropy

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	mrand "math/rand/v2"
	"net/http"
	"sync"
	"time"
)

// Source yields floats in [0, 1).
type Source interface {
	Float() float64
}

// Seeded is a deterministic PCG source, safe for concurrent use.
type Seeded struct {
	mu sync.Mutex
	r  *mrand.Rand
}

// NewSeeded creates a reproducible source.
func NewSeeded(seed uint64) *Seeded {
	return &Seeded{r: mrand.New(mrand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (s *Seeded) Float() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Float64()
}

// Crypto reads crypto/rand on every call.
type Crypto struct{}

func (Crypto) Float() float64 {
	return cryptoRandFloat()
}

// Fixed always returns the same value. Useful to switch randomness off
// without changing the configured amplitude.
type Fixed float64

func (f Fixed) Float() float64 {
	return float64(f)
}

const randomOrgURL = "https://api.random.org/json-rpc/4/invoke"

// Pool serves floats from random.org in batches, falling back when the API
// is unavailable.
type Pool struct {
	apiKey   string
	endpoint string
	client   *http.Client
	fallback Source

	mu   sync.Mutex
	pool []float64
}

// NewPool creates a random.org pool. It returns nil if apiKey is empty so
// callers can use the fallback directly.
func NewPool(apiKey string, fallback Source) *Pool {
	if apiKey == "" {
		return nil
	}
	if fallback == nil {
		fallback = Crypto{}
	}
	return &Pool{
		apiKey:   apiKey,
		endpoint: randomOrgURL,
		client:   &http.Client{Timeout: 15 * time.Second},
		fallback: fallback,
	}
}

// Float returns the next pooled value, refilling when low.
func (p *Pool) Float() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pool) < 10 {
		ctx, cancel := context.WithTimeout(context.Background(), p.client.Timeout)
		if err := p.refill(ctx); err != nil {
			slog.Debug("random.org refill failed", "error", err)
		}
		cancel()
	}
	if len(p.pool) == 0 {
		return p.fallback.Float()
	}
	v := p.pool[0]
	p.pool = p.pool[1:]
	return v
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      int       `json:"id"`
}

type rpcParams struct {
	APIKey        string `json:"apiKey"`
	N             int    `json:"n"`
	DecimalPlaces int    `json:"decimalPlaces"`
}

type rpcResponse struct {
	Result struct {
		Random struct {
			Data []float64 `json:"data"`
		} `json:"random"`
	} `json:"result"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

const batchSize = 100

// refill appends one batch of fractions. Values outside [0, 1) are dropped.
func (p *Pool) refill(ctx context.Context) error {
	var body bytes.Buffer
	call := rpcRequest{
		JSONRPC: "2.0",
		Method:  "generateDecimalFractions",
		Params:  rpcParams{APIKey: p.apiKey, N: batchSize, DecimalPlaces: 6},
		ID:      1,
	}
	if err := json.NewEncoder(&body).Encode(call); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("random.org: %w", err)
	}
	defer resp.Body.Close()

	var out rpcResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return fmt.Errorf("random.org response: %w", err)
	}
	if out.Error != nil {
		return fmt.Errorf("random.org: %s", out.Error.Message)
	}

	before := len(p.pool)
	for _, v := range out.Result.Random.Data {
		if v >= 0 && v < 1 {
			p.pool = append(p.pool, v)
		}
	}
	slog.Debug("random.org pool refilled", "added", len(p.pool)-before)
	return nil
}

// cryptoRandFloat uses the top 53 bits of a crypto/rand word.
func cryptoRandFloat() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0.5
	}
	n := binary.LittleEndian.Uint64(buf[:]) >> 11
	return float64(n) / float64(1<<53)
}

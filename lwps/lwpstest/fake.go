// Package lwpstest provides an in-memory lwps.Dialer/Conn pair for unit
// tests of the mirror/segment/index/dispatch layers, so those tests don't
// need a real TCP backend.
package lwpstest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fschiettecatte/mps-sub005/lwps"
)

// Backend is a scripted fake backend reachable at one host:port.
type Backend struct {
	mu sync.Mutex

	FailInit    bool // Init always fails (-> mirror temporary_error at open)
	FailConnect bool // Dial always fails (-> mirror permanent_error at open)
	FailSearch  error
	Timeout     bool // Search blocks past the caller's deadline

	SearchResponse       *lwps.Response
	ServerIndex          *lwps.ServerIndexInfo
	IndexInfo            *lwps.IndexInfo
	RetrieveBytes        []byte
	PostingsResponse     *lwps.Postings
	WeightVectorResponse *lwps.WeightVector
	BitmapResponse       *lwps.Bitmap

	Searches      int
	Retrieves     int
	Closed        int
	Postings      int
	WeightVectors int
	Bitmaps       int
}

func (b *Backend) recordSearch() {
	b.mu.Lock()
	b.Searches++
	b.mu.Unlock()
}

// Dialer routes Dial calls to registered Backends by "host:port".
type Dialer struct {
	mu       sync.Mutex
	backends map[string]*Backend
}

func NewDialer() *Dialer {
	return &Dialer{backends: make(map[string]*Backend)}
}

func (d *Dialer) Register(host string, port int, b *Backend) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backends[fmt.Sprintf("%s:%d", host, port)] = b
}

func (d *Dialer) Dial(ctx context.Context, protocol lwps.Protocol, host string, port int, connectTimeout time.Duration) (lwps.Conn, error) {
	d.mu.Lock()
	b, ok := d.backends[fmt.Sprintf("%s:%d", host, port)]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("lwpstest: no backend registered for %s:%d", host, port)
	}
	if b.FailConnect {
		return nil, fmt.Errorf("lwpstest: connect refused")
	}
	return &conn{backend: b}, nil
}

type conn struct {
	backend *Backend
}

func (c *conn) Init(ctx context.Context) error {
	if c.backend.FailInit {
		return fmt.Errorf("lwpstest: init failed")
	}
	return nil
}

func (c *conn) Search(ctx context.Context, req *lwps.Request) (*lwps.Response, error) {
	c.backend.recordSearch()
	if c.backend.Timeout {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if c.backend.FailSearch != nil {
		return nil, c.backend.FailSearch
	}
	if c.backend.SearchResponse != nil {
		return c.backend.SearchResponse, nil
	}
	return &lwps.Response{}, nil
}

func (c *conn) Retrieve(ctx context.Context, req *lwps.RetrievalRequest) ([]byte, error) {
	c.backend.mu.Lock()
	c.backend.Retrieves++
	c.backend.mu.Unlock()
	return c.backend.RetrieveBytes, nil
}

func (c *conn) ServerIndexInfo(ctx context.Context) (*lwps.ServerIndexInfo, error) {
	if c.backend.ServerIndex != nil {
		return c.backend.ServerIndex, nil
	}
	return &lwps.ServerIndexInfo{}, nil
}

func (c *conn) IndexInfo(ctx context.Context, indexName string) (*lwps.IndexInfo, error) {
	if c.backend.IndexInfo != nil {
		return c.backend.IndexInfo, nil
	}
	return &lwps.IndexInfo{}, nil
}

func (c *conn) Postings(ctx context.Context, req *lwps.PostingsRequest) (*lwps.Postings, error) {
	c.backend.mu.Lock()
	c.backend.Postings++
	c.backend.mu.Unlock()
	if c.backend.PostingsResponse != nil {
		return c.backend.PostingsResponse, nil
	}
	return &lwps.Postings{}, nil
}

func (c *conn) WeightVector(ctx context.Context, req *lwps.WeightVectorRequest) (*lwps.WeightVector, error) {
	c.backend.mu.Lock()
	c.backend.WeightVectors++
	c.backend.mu.Unlock()
	if c.backend.WeightVectorResponse != nil {
		return c.backend.WeightVectorResponse, nil
	}
	return &lwps.WeightVector{}, nil
}

func (c *conn) Bitmap(ctx context.Context, req *lwps.BitmapRequest) (*lwps.Bitmap, error) {
	c.backend.mu.Lock()
	c.backend.Bitmaps++
	c.backend.mu.Unlock()
	if c.backend.BitmapResponse != nil {
		return c.backend.BitmapResponse, nil
	}
	return &lwps.Bitmap{}, nil
}

func (c *conn) Close() error {
	c.backend.mu.Lock()
	c.backend.Closed++
	c.backend.mu.Unlock()
	return nil
}

package lwps

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	gwerrors "github.com/fschiettecatte/mps-sub005/errors"
)

// wireEnvelope frames every request/response exchanged by the reference
// transport. Real deployments replace this transport entirely with a
// proper LWPS codec; nothing in this module inspects the wire bytes
// beyond this package.
type wireEnvelope struct {
	Op           string               `json:"op"`
	Search       *Request             `json:"search,omitempty"`
	Retrieve     *RetrievalRequest    `json:"retrieve,omitempty"`
	Index        string               `json:"index,omitempty"`
	Postings     *PostingsRequest     `json:"postings,omitempty"`
	WeightVector *WeightVectorRequest `json:"weight_vector,omitempty"`
	Bitmap       *BitmapRequest       `json:"bitmap,omitempty"`

	Response         *Response        `json:"response,omitempty"`
	Bytes            []byte           `json:"bytes,omitempty"`
	ServerIndex      *ServerIndexInfo `json:"server_index,omitempty"`
	Info             *IndexInfo       `json:"info,omitempty"`
	PostingsResult   *Postings        `json:"postings_result,omitempty"`
	WeightVectorResult *WeightVector  `json:"weight_vector_result,omitempty"`
	BitmapResult     *Bitmap          `json:"bitmap_result,omitempty"`
	Err              string           `json:"err,omitempty"`
}

// netDialer is the default Dialer, opening a net.Conn and wrapping it in
// the newline-delimited JSON transport.
type netDialer struct{}

// NewDialer returns the reference Dialer implementation.
func NewDialer() Dialer { return netDialer{} }

func (netDialer) Dial(ctx context.Context, protocol Protocol, host string, port int, connectTimeout time.Duration) (Conn, error) {
	d := net.Dialer{Timeout: connectTimeout}
	addr := fmt.Sprintf("%s:%d", host, port)
	network := "tcp"
	if protocol == UDP {
		network = "udp"
	}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gwerrors.ErrTransportConnFailed, err)
	}
	return &netConn{
		conn: conn,
		rw:   bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
	}, nil
}

type netConn struct {
	conn net.Conn
	rw   *bufio.ReadWriter
}

func (c *netConn) roundTrip(ctx context.Context, req wireEnvelope) (*wireEnvelope, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	}

	enc, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gwerrors.ErrTransportProtocol, err)
	}
	if _, err := c.rw.Write(enc); err != nil {
		return nil, wrapTimeout(err)
	}
	if err := c.rw.WriteByte('\n'); err != nil {
		return nil, wrapTimeout(err)
	}
	if err := c.rw.Flush(); err != nil {
		return nil, wrapTimeout(err)
	}

	line, err := c.rw.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, wrapTimeout(err)
	}
	var resp wireEnvelope
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", gwerrors.ErrTransportProtocol, err)
	}
	if resp.Err != "" {
		return nil, fmt.Errorf("%w: %s", gwerrors.ErrTransportProtocol, resp.Err)
	}
	return &resp, nil
}

func wrapTimeout(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return fmt.Errorf("%w: %v", gwerrors.ErrTransportTimeout, err)
	}
	return fmt.Errorf("%w: %v", gwerrors.ErrTransportConnFailed, err)
}

func (c *netConn) Init(ctx context.Context) error {
	_, err := c.roundTrip(ctx, wireEnvelope{Op: "init"})
	return err
}

func (c *netConn) Search(ctx context.Context, req *Request) (*Response, error) {
	resp, err := c.roundTrip(ctx, wireEnvelope{Op: "search", Search: req})
	if err != nil {
		return nil, err
	}
	if resp.Response == nil {
		return nil, fmt.Errorf("%w: empty search response", gwerrors.ErrTransportProtocol)
	}
	return resp.Response, nil
}

func (c *netConn) Retrieve(ctx context.Context, req *RetrievalRequest) ([]byte, error) {
	resp, err := c.roundTrip(ctx, wireEnvelope{Op: "retrieve", Retrieve: req})
	if err != nil {
		return nil, err
	}
	return resp.Bytes, nil
}

func (c *netConn) ServerIndexInfo(ctx context.Context) (*ServerIndexInfo, error) {
	resp, err := c.roundTrip(ctx, wireEnvelope{Op: "server_index_info"})
	if err != nil {
		return nil, err
	}
	if resp.ServerIndex == nil {
		return &ServerIndexInfo{}, nil
	}
	return resp.ServerIndex, nil
}

func (c *netConn) IndexInfo(ctx context.Context, indexName string) (*IndexInfo, error) {
	resp, err := c.roundTrip(ctx, wireEnvelope{Op: "index_info", Index: indexName})
	if err != nil {
		return nil, err
	}
	if resp.Info == nil {
		return &IndexInfo{}, nil
	}
	return resp.Info, nil
}

func (c *netConn) Postings(ctx context.Context, req *PostingsRequest) (*Postings, error) {
	resp, err := c.roundTrip(ctx, wireEnvelope{Op: "postings", Postings: req})
	if err != nil {
		return nil, err
	}
	if resp.PostingsResult == nil {
		return nil, fmt.Errorf("%w: empty postings response", gwerrors.ErrTransportProtocol)
	}
	return resp.PostingsResult, nil
}

func (c *netConn) WeightVector(ctx context.Context, req *WeightVectorRequest) (*WeightVector, error) {
	resp, err := c.roundTrip(ctx, wireEnvelope{Op: "weight_vector", WeightVector: req})
	if err != nil {
		return nil, err
	}
	if resp.WeightVectorResult == nil {
		return nil, fmt.Errorf("%w: empty weight vector response", gwerrors.ErrTransportProtocol)
	}
	return resp.WeightVectorResult, nil
}

func (c *netConn) Bitmap(ctx context.Context, req *BitmapRequest) (*Bitmap, error) {
	resp, err := c.roundTrip(ctx, wireEnvelope{Op: "bitmap", Bitmap: req})
	if err != nil {
		return nil, err
	}
	if resp.BitmapResult == nil {
		return nil, fmt.Errorf("%w: empty bitmap response", gwerrors.ErrTransportProtocol)
	}
	return resp.BitmapResult, nil
}

func (c *netConn) Close() error {
	return c.conn.Close()
}

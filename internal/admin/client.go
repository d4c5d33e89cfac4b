package admin

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Peer is one row of ListPeers. Remap is -1 when the peer is not remapped.
type Peer struct {
	ID        string
	Target    string
	Direction string
	Remap     int
	Opened    time.Time
}

// Counters is the Stats reply.
type Counters struct {
	Peers       int
	FramesIn    uint64
	FramesOut   uint64
	WriteErrors uint64
}

// Client talks to a switch admin endpoint.
type Client struct {
	cc     *grpc.ClientConn
	client AdminClient

	// Timeout applies per RPC when non-zero.
	Timeout time.Duration
}

// Dial prepares a client for addr; the connection is made on first use.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("admin dial %s: %w", addr, err)
	}
	return &Client{cc: cc, client: NewAdminClient(cc), Timeout: timeout}, nil
}

func (c *Client) Close() error {
	if c == nil || c.cc == nil {
		return nil
	}
	return c.cc.Close()
}

func (c *Client) ListPeers(ctx context.Context) ([]Peer, error) {
	ctx, cancel := c.ctx(ctx)
	defer cancel()
	reply, err := c.client.ListPeers(ctx, &emptypb.Empty{})
	if err != nil {
		return nil, err
	}
	var out []Peer
	for _, v := range reply.GetFields()["peers"].GetListValue().GetValues() {
		f := v.GetStructValue().GetFields()
		p := Peer{
			ID:        f["id"].GetStringValue(),
			Target:    f["target"].GetStringValue(),
			Direction: f["direction"].GetStringValue(),
			Remap:     -1,
		}
		if r, ok := f["remap"]; ok {
			p.Remap = int(r.GetNumberValue())
		}
		if ts := f["opened"].GetStringValue(); ts != "" {
			if p.Opened, err = time.Parse(time.RFC3339Nano, ts); err != nil {
				return nil, fmt.Errorf("peer %s: bad opened time: %w", p.ID, err)
			}
		}
		out = append(out, p)
	}
	return out, nil
}

func (c *Client) Stats(ctx context.Context) (Counters, error) {
	ctx, cancel := c.ctx(ctx)
	defer cancel()
	reply, err := c.client.Stats(ctx, &emptypb.Empty{})
	if err != nil {
		return Counters{}, err
	}
	f := reply.GetFields()
	return Counters{
		Peers:       int(number(f, "peers")),
		FramesIn:    uint64(number(f, "frames_in")),
		FramesOut:   uint64(number(f, "frames_out")),
		WriteErrors: uint64(number(f, "write_errors")),
	}, nil
}

func number(f map[string]*structpb.Value, key string) float64 {
	return f[key].GetNumberValue()
}

func (c *Client) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.Timeout)
}

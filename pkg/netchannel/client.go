package netchannel

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rios-go/rios/pkg/assoc"
	"github.com/rios-go/rios/pkg/block"
	"github.com/rios-go/rios/pkg/computeworker"
	"github.com/rios-go/rios/pkg/rioserrors"
)

// Client is the worker-side proxy to a Server: given (host, port,
// authkey), it resolves proxies to the init payload and both buffers.
// The init payload is deserialised locally by GetInit; every other
// call is a synchronous request/response round trip.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial connects to addr and performs the authkey handshake.
func Dial(addr Address, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(addr.Host, itoa(addr.Port)), timeout)
	if err != nil {
		return nil, rioserrors.Wrap(rioserrors.BatchQueue, "failed to dial netchannel", err, nil)
	}
	if err := writeFrame(conn, MethodGetInit, addr.AuthKey); err != nil {
		conn.Close()
		return nil, err
	}
	var ack struct{}
	if _, err := readFrame(conn, &ack); err != nil {
		conn.Close()
		return nil, rioserrors.Wrap(rioserrors.BatchQueue, "netchannel handshake rejected", err, nil)
	}
	return &Client{conn: conn}, nil
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

func (c *Client) call(method MethodID, req request) (response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := writeFrame(c.conn, method, req); err != nil {
		return response{}, err
	}
	var resp response
	if _, err := readFrame(c.conn, &resp); err != nil {
		return response{}, err
	}
	if resp.Err != "" {
		return resp, errors.New(resp.Err)
	}
	return resp, nil
}

// GetInit downloads the init payload: user function identifier, specs,
// working grid, and this worker's block sublist.
func (c *Client) GetInit() (*computeworker.InitPayload, error) {
	resp, err := c.call(MethodGetInit, request{})
	if err != nil {
		return nil, err
	}
	return resp.Init, nil
}

func (c *Client) AddBlockData(defn block.Defn, name string, seq int, arr *assoc.Array) error {
	_, err := c.call(MethodAddBlockData, request{Defn: defn, Name: name, SeqNum: seq, Array: arr})
	return err
}

func (c *Client) InsertCompleteBlock(defn block.Defn, ba *assoc.BlockAssociations) error {
	_, err := c.call(MethodInsertCompleteBlock, request{Defn: defn, Assoc: ba})
	return err
}

func (c *Client) PopCompleteBlock(defn block.Defn) (*assoc.BlockAssociations, error) {
	resp, err := c.call(MethodPopCompleteBlock, request{Defn: defn})
	if err != nil {
		return nil, err
	}
	return resp.Assoc, nil
}

func (c *Client) PopNextBlock() (block.Defn, *assoc.BlockAssociations, error) {
	resp, err := c.call(MethodPopNextBlock, request{})
	if err != nil {
		return block.Defn{}, nil, err
	}
	return resp.Defn, resp.Assoc, nil
}

func (c *Client) PushOutbound(obj computeworker.PostRunObject) error {
	_, err := c.call(MethodPushOutbound, request{PostRun: &obj})
	return err
}

func (c *Client) PushException(rec *computeworker.WorkerErrorRecord) error {
	_, err := c.call(MethodPushException, request{Record: rec})
	return err
}

func (c *Client) CheckForceExit() (bool, error) {
	resp, err := c.call(MethodCheckForceExit, request{})
	if err != nil {
		return false, err
	}
	return resp.ForceExit, nil
}

func (c *Client) BarrierWait() error {
	_, err := c.call(MethodBarrierWait, request{})
	return err
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

package netchannel

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rios-go/rios/pkg/assoc"
	"github.com/rios-go/rios/pkg/block"
	"github.com/rios-go/rios/pkg/blockbuffer"
	"github.com/rios-go/rios/pkg/computeworker"
	"github.com/rios-go/rios/pkg/logging"
	"github.com/rios-go/rios/pkg/rioserrors"
)

// Address is the (host, port, authkey) tuple clients dial, formatted as
// "host,port,authkey-hex" per the batch-worker command-line contract.
type Address struct {
	Host    string
	Port    int
	AuthKey string
}

func (a Address) String() string {
	return fmt.Sprintf("%s,%d,%s", a.Host, a.Port, a.AuthKey)
}

// ParseAddress parses the "host,port,authkey" form back into an Address.
func ParseAddress(s string) (Address, error) {
	parts := strings.SplitN(s, ",", 3)
	if len(parts) != 3 {
		return Address{}, rioserrors.New(rioserrors.Parameter, "malformed channel address: "+s)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return Address{}, rioserrors.Wrap(rioserrors.Parameter, "malformed channel port", err, nil)
	}
	return Address{Host: parts[0], Port: port, AuthKey: parts[2]}, nil
}

// Server is the driver-side NetworkDataChannel: it binds an ephemeral
// TCP port and answers RPCs with the init payload, buffer proxies, the
// exception/outbound queues, the force-exit event, and the start
// barrier. Every call is request/response over one connection; the
// server serialises dispatch with a single mutex, mirroring "serialised
// by the server's single listener thread".
type Server struct {
	listener net.Listener
	addr     Address

	dispatchMu sync.Mutex

	init      *computeworker.InitPayload
	inBuf     *blockbuffer.Buffer // nil if no read-worker pool is used
	outBuf    *blockbuffer.Buffer

	outboundMu sync.Mutex
	outbound   []computeworker.PostRunObject

	exceptionMu sync.Mutex
	exceptions  []*computeworker.WorkerErrorRecord

	forceExit chan struct{}
	forceOnce sync.Once

	barrier *Barrier

	log  *logging.Logger
	wg   sync.WaitGroup
	quit chan struct{}
}

// NewServer constructs a Server. numWorkers sizes the start barrier to
// numWorkers + 1 (the driver included).
func NewServer(init *computeworker.InitPayload, inBuf, outBuf *blockbuffer.Buffer, numWorkers int, log *logging.Logger) (*Server, error) {
	authKey, err := GenerateAuthKey()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.NewLogger(logging.DefaultConfig())
	}
	return &Server{
		init: init, inBuf: inBuf, outBuf: outBuf,
		forceExit: make(chan struct{}),
		barrier:   NewBarrier(numWorkers + 1),
		log:       log.WithComponent("netchannel"),
		quit:      make(chan struct{}),
		addr:      Address{AuthKey: authKey},
	}, nil
}

// Start binds an ephemeral TCP port on host (empty = all interfaces)
// and begins accepting connections.
func (s *Server) Start(host string) (Address, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return Address{}, rioserrors.Wrap(rioserrors.Parameter, "netchannel: failed to bind", err, nil)
	}
	s.listener = ln
	tcpAddr := ln.Addr().(*net.TCPAddr)
	resolvedHost := host
	if resolvedHost == "" {
		resolvedHost = "127.0.0.1"
	}
	s.addr.Host = resolvedHost
	s.addr.Port = tcpAddr.Port

	s.wg.Add(1)
	go s.acceptLoop()

	return s.addr, nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				s.log.Warnf("accept error: %v", err)
				return
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	var presented string
	if _, err := readFrame(conn, &presented); err != nil {
		return
	}
	if !verifyAuthKey(s.addr.AuthKey, presented) {
		s.log.Warn("netchannel: rejecting connection with bad authkey")
		return
	}
	writeFrame(conn, MethodGetInit, struct{}{})

	for {
		var req request
		method, err := readFrame(conn, &req)
		if err != nil {
			return
		}
		resp := s.dispatch(method, req)
		if err := writeFrame(conn, method, resp); err != nil {
			return
		}
	}
}

// request is the generic argument envelope for every method; unused
// fields for a given method are simply left zero.
type request struct {
	WorkerID int
	Defn     block.Defn
	Name     string
	SeqNum   int
	Array    *assoc.Array
	Assoc    *assoc.BlockAssociations
	Record   *computeworker.WorkerErrorRecord
	PostRun  *computeworker.PostRunObject
}

type response struct {
	Init       *computeworker.InitPayload
	Defn       block.Defn
	Assoc      *assoc.BlockAssociations
	Exceptions []*computeworker.WorkerErrorRecord
	PostRun    []computeworker.PostRunObject
	ForceExit  bool
	Err        string
}

func (s *Server) dispatch(method MethodID, req request) response {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	ctx := context.Background()
	switch method {
	case MethodGetInit:
		return response{Init: s.init}

	case MethodAddBlockData:
		if s.inBuf == nil {
			return response{Err: "no input buffer configured"}
		}
		err := s.inBuf.AddBlockData(ctx, req.Defn, s.init.InputSpec, req.Name, req.SeqNum, req.Array, 10*time.Second)
		return errResp(err)

	case MethodInsertCompleteBlock:
		err := s.outBuf.InsertCompleteBlock(ctx, req.Defn, req.Assoc, 10*time.Second)
		return errResp(err)

	case MethodPopCompleteBlock:
		ba, err := s.inBuf.PopCompleteBlock(ctx, req.Defn, 10*time.Second)
		if err != nil {
			return errResp(err)
		}
		return response{Assoc: ba}

	case MethodPopNextBlock:
		defn, ba, err := s.inBuf.PopNextBlock(ctx, 10*time.Second)
		if err != nil {
			return errResp(err)
		}
		return response{Defn: defn, Assoc: ba}

	case MethodPushOutbound:
		s.outboundMu.Lock()
		if req.PostRun != nil {
			s.outbound = append(s.outbound, *req.PostRun)
		}
		s.outboundMu.Unlock()
		return response{}

	case MethodDrainOutbound:
		s.outboundMu.Lock()
		out := append([]computeworker.PostRunObject(nil), s.outbound...)
		s.outboundMu.Unlock()
		return response{PostRun: out}

	case MethodPushException:
		s.exceptionMu.Lock()
		if req.Record != nil {
			s.exceptions = append(s.exceptions, req.Record)
		}
		s.exceptionMu.Unlock()
		s.SetForceExit()
		return response{}

	case MethodPollException:
		s.exceptionMu.Lock()
		out := append([]*computeworker.WorkerErrorRecord(nil), s.exceptions...)
		s.exceptionMu.Unlock()
		return response{Exceptions: out}

	case MethodSetForceExit:
		s.SetForceExit()
		return response{}

	case MethodCheckForceExit:
		select {
		case <-s.forceExit:
			return response{ForceExit: true}
		default:
			return response{ForceExit: false}
		}

	case MethodBarrierWait:
		err := s.barrier.Wait()
		return errResp(err)
	}
	return response{Err: "unknown method"}
}

func errResp(err error) response {
	if err == nil {
		return response{}
	}
	return response{Err: err.Error()}
}

// SetForceExit sets the shared force-exit event, idempotently.
func (s *Server) SetForceExit() {
	s.forceOnce.Do(func() { close(s.forceExit) })
}

// ForceExit returns the event channel, closed once set.
func (s *Server) ForceExit() <-chan struct{} { return s.forceExit }

// Barrier returns the server's start barrier, for the driver's own
// Wait() call alongside the workers'.
func (s *Server) Barrier() *Barrier { return s.barrier }

// Exceptions returns every WorkerErrorRecord received so far.
func (s *Server) Exceptions() []*computeworker.WorkerErrorRecord {
	s.exceptionMu.Lock()
	defer s.exceptionMu.Unlock()
	return append([]*computeworker.WorkerErrorRecord(nil), s.exceptions...)
}

// DrainOutbound returns every post-run object pushed so far.
func (s *Server) DrainOutbound() []computeworker.PostRunObject {
	s.outboundMu.Lock()
	defer s.outboundMu.Unlock()
	return append([]computeworker.PostRunObject(nil), s.outbound...)
}

// Addr returns the bound (host, port, authkey) tuple.
func (s *Server) Addr() Address { return s.addr }

// InputBufferLen and OutputBufferLen report the current occupancy of
// the two bounded block buffers, for the diagnostics mux. InputBufferLen
// is 0 when no read-worker pool feeds this run (ReadOwnData).
func (s *Server) InputBufferLen() int {
	if s.inBuf == nil {
		return 0
	}
	return s.inBuf.Len()
}

func (s *Server) OutputBufferLen() int { return s.outBuf.Len() }

// Shutdown performs the mandated ordering: set force-exit, abort the
// barrier, stop the listener, join the listener goroutine, close the
// pool (here: wait for in-flight connection handlers to observe EOF).
func (s *Server) Shutdown() error {
	s.SetForceExit()
	s.barrier.Abort()
	close(s.quit)
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	return nil
}

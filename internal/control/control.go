// Package control implements the JSON front-end protocol of spec.md
// §6: a line-delimited JSON request/response stream carrying
// create_tun, destroy_tun, start_program and reset_all_state, plus the
// asynchronous program_term_ind notification.
package control

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/katalix/uecupsd/internal/daemon"
	"github.com/katalix/uecupsd/internal/subprocess"
)

// Result is the textual result code carried by every command response,
// per spec.md §6.
type Result string

const (
	ResultOK       Result = "OK"
	ResultNotFound Result = "ERR_NOT_FOUND"
	ResultInvalid  Result = "ERR_INVALID_DATA"
)

func resultForErr(err error) Result {
	if err == nil {
		return ResultOK
	}
	if derr, ok := err.(*daemon.Error); ok && derr.Kind == daemon.KindNotFound {
		return ResultNotFound
	}
	return ResultInvalid
}

// wireAddr is the JSON encoding of daemon.SockAddr: {addr_type, ip,
// Port}, with ip as a hex-encoded network-byte-order address.
type wireAddr struct {
	AddrType string `json:"addr_type"`
	IP       string `json:"ip"`
	Port     uint16 `json:"Port"`
}

func (w wireAddr) toSockAddr() (daemon.SockAddr, error) {
	raw, err := hex.DecodeString(w.IP)
	if err != nil {
		return daemon.SockAddr{}, fmt.Errorf("control: bad ip hex %q: %w", w.IP, err)
	}
	fam := daemon.IPv4
	if w.AddrType == "IPV6" {
		fam = daemon.IPv6
	}
	return daemon.SockAddr{Family: fam, IP: net.IP(raw), Port: w.Port}, nil
}

func fromSockAddr(a daemon.SockAddr) wireAddr {
	return wireAddr{AddrType: a.Family.String(), IP: hex.EncodeToString(a.IP), Port: a.Port}
}

type createTunReq struct {
	LocalEP      wireAddr `json:"local_gtp_ep"`
	RemoteEP     wireAddr `json:"remote_gtp_ep"`
	RxTEID       uint32   `json:"rx_teid"`
	TxTEID       uint32   `json:"tx_teid"`
	UserAddrType string   `json:"user_addr_type"`
	UserAddr     string   `json:"user_addr"`
	TunDevName   string   `json:"tun_dev_name"`
	TunNetnsName string   `json:"tun_netns_name,omitempty"`
}

type destroyTunReq struct {
	LocalEP wireAddr `json:"local_gtp_ep"`
	RxTEID  uint32   `json:"rx_teid"`
}

type startProgramReq struct {
	RunAsUser    string   `json:"run_as_user"`
	Command      string   `json:"command"`
	Environment  []string `json:"environment,omitempty"`
	TunNetnsName string   `json:"tun_netns_name,omitempty"`
}

// envelope is the outer {"<command>": {...}} shape every request and
// notification uses, per spec.md §6's design note that this repo keeps
// the per-command envelope rather than a generic RPC wrapper.
type envelope map[string]json.RawMessage

// Server accepts connections carrying line-delimited JSON command
// envelopes and dispatches them to a Daemon and a subprocess.Launcher.
type Server struct {
	logger  log.Logger
	daemon  *daemon.Daemon
	procs   *subprocess.Launcher
	router  *TermRouter
	nextSID uint64
}

// NewServer creates a Server. The subprocess.Launcher's NamespaceLocator
// must be wired to d.FindTunByNamespace, and its TermNotifier to
// router.Notify, by the caller (see cmd/uecupsd).
func NewServer(logger log.Logger, d *daemon.Daemon, procs *subprocess.Launcher, router *TermRouter) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Server{logger: logger, daemon: d, procs: procs, router: router}
}

// Serve accepts connections on ln until it is closed, handling each on
// its own goroutine. Every accepted connection is one control session
// per spec.md §4.5: subprocesses it starts are SIGKILLed when it
// closes.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	session := subprocess.SessionID(atomic.AddUint64(&s.nextSID, 1))
	defer func() {
		s.procs.CloseSession(session)
		s.router.unregister(session)
		conn.Close()
	}()

	cs := &clientSession{
		id:     session,
		server: s,
		enc:    json.NewEncoder(conn),
		mu:     &sync.Mutex{},
	}
	s.router.register(cs)

	dec := json.NewDecoder(bufio.NewReader(conn))
	for {
		var env envelope
		if err := dec.Decode(&env); err != nil {
			if err != io.EOF {
				level.Debug(s.logger).Log("message", "control session decode error", "error", err)
			}
			return
		}
		cs.dispatch(env)
	}
}

// clientSession is the per-connection dispatch context: it owns the
// encoder so term-ind notifications and command responses don't
// interleave their writes.
type clientSession struct {
	id     subprocess.SessionID
	server *Server
	enc    *json.Encoder
	mu     *sync.Mutex
}

func (cs *clientSession) send(v interface{}) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	_ = cs.enc.Encode(v)
}

func (cs *clientSession) dispatch(env envelope) {
	s := cs.server
	switch {
	case env["create_tun"] != nil:
		cs.handleCreateTun(env["create_tun"])
	case env["destroy_tun"] != nil:
		cs.handleDestroyTun(env["destroy_tun"])
	case env["start_program"] != nil:
		cs.handleStartProgram(env["start_program"])
	case env["reset_all_state"] != nil:
		cs.handleResetAllState()
	default:
		level.Info(s.logger).Log("message", "unknown control command", "envelope", string(mustMarshal(env)))
	}
}

func mustMarshal(v interface{}) []byte {
	b, _ := json.Marshal(v)
	return b
}

func (cs *clientSession) handleCreateTun(raw json.RawMessage) {
	var req createTunReq
	if err := json.Unmarshal(raw, &req); err != nil {
		cs.send(map[string]interface{}{"create_tun_res": map[string]string{"result": string(ResultInvalid)}})
		return
	}

	local, err := req.LocalEP.toSockAddr()
	if err != nil {
		cs.send(map[string]interface{}{"create_tun_res": map[string]string{"result": string(ResultInvalid)}})
		return
	}
	remote, err := req.RemoteEP.toSockAddr()
	if err != nil {
		cs.send(map[string]interface{}{"create_tun_res": map[string]string{"result": string(ResultInvalid)}})
		return
	}
	userRaw, err := hex.DecodeString(req.UserAddr)
	if err != nil {
		cs.send(map[string]interface{}{"create_tun_res": map[string]string{"result": string(ResultInvalid)}})
		return
	}

	_, cerr := cs.server.daemon.CreateTunnel(daemon.TunnelParams{
		LocalEP:  local,
		RemoteEP: remote,
		RxTEID:   req.RxTEID,
		TxTEID:   req.TxTEID,
		UserAddr: net.IP(userRaw),
		TunName:  req.TunDevName,
		TunNetns: req.TunNetnsName,
	})
	cs.send(map[string]interface{}{"create_tun_res": map[string]string{"result": string(resultForErr(cerr))}})
}

func (cs *clientSession) handleDestroyTun(raw json.RawMessage) {
	var req destroyTunReq
	if err := json.Unmarshal(raw, &req); err != nil {
		cs.send(map[string]interface{}{"destroy_tun_res": map[string]string{"result": string(ResultInvalid)}})
		return
	}
	local, err := req.LocalEP.toSockAddr()
	if err != nil {
		cs.send(map[string]interface{}{"destroy_tun_res": map[string]string{"result": string(ResultInvalid)}})
		return
	}
	derr := cs.server.daemon.DestroyTunnel(local, req.RxTEID)
	cs.send(map[string]interface{}{"destroy_tun_res": map[string]string{"result": string(resultForErr(derr))}})
}

func (cs *clientSession) handleStartProgram(raw json.RawMessage) {
	var req startProgramReq
	if err := json.Unmarshal(raw, &req); err != nil || req.RunAsUser == "" || req.Command == "" {
		cs.send(map[string]interface{}{"start_program_res": map[string]interface{}{"pid": 0, "result": string(ResultInvalid)}})
		return
	}

	pid, err := cs.server.procs.Start(subprocess.StartParams{
		Session:     cs.id,
		RunAsUser:   req.RunAsUser,
		Command:     req.Command,
		Environment: req.Environment,
		TunNetns:    req.TunNetnsName,
	})
	if err != nil {
		level.Error(cs.server.logger).Log("message", "start_program failed", "error", err)
		cs.send(map[string]interface{}{"start_program_res": map[string]interface{}{"pid": 0, "result": string(ResultInvalid)}})
		return
	}
	cs.send(map[string]interface{}{"start_program_res": map[string]interface{}{"pid": pid, "result": string(ResultOK)}})
}

func (cs *clientSession) handleResetAllState() {
	err := cs.server.daemon.ResetAllState()
	cs.server.procs.KillAll()
	cs.send(map[string]interface{}{"reset_all_state_res": map[string]string{"result": string(resultForErr(err))}})
}

// TermRouter.Notify is wired as the subprocess.Launcher's TermNotifier
// by the caller (see cmd/uecupsd), but since the Launcher is shared
// across sessions and only knows a SessionID, routing a term-ind to
// the right connection requires the Server to track live sessions.
// TermRouter provides that indirection.
type TermRouter struct {
	mu       sync.Mutex
	sessions map[subprocess.SessionID]*clientSession
}

func NewTermRouter() *TermRouter {
	return &TermRouter{sessions: make(map[subprocess.SessionID]*clientSession)}
}

func (r *TermRouter) register(cs *clientSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[cs.id] = cs
}

func (r *TermRouter) unregister(id subprocess.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Notify implements subprocess.TermNotifier: it looks up the still-open
// session and sends program_term_ind, or silently drops the
// notification if the session has already closed (spec.md §4.5's
// documented no-op for a term-ind with nowhere to go).
func (r *TermRouter) Notify(session subprocess.SessionID, pid int, exitCode int) {
	r.mu.Lock()
	cs, ok := r.sessions[session]
	r.mu.Unlock()
	if !ok {
		return
	}
	cs.send(map[string]interface{}{
		"program_term_ind": map[string]interface{}{"pid": pid, "exit_code": exitCode},
	})
}

package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/replex/pkg/util"
	"github.com/uhyunpark/replex/pkg/wire"
)

const mdnsServiceTag = "replex.local"

// Libp2pNet serves and calls logical services over libp2p streams. Each
// service is one stream protocol; a request is one JSON document per stream
// and the reply comes back on the same stream. Operational alerts travel on a
// gossipsub topic.
type Libp2pNet struct {
	h    host.Host
	ps   *pubsub.PubSub
	log  *zap.SugaredLogger
	self string

	tOps   *pubsub.Topic
	subOps *pubsub.Subscription

	serveTimeout time.Duration
	bootstrap    []string
	mdns         mdns.Service

	muH      sync.RWMutex
	handlers map[Service]Handler

	muA     sync.RWMutex
	onAlert func(Alert)

	ctx    context.Context
	cancel context.CancelFunc
}

type Libp2pConfig struct {
	ListenAddr string
	Bootstrap  []string
	// SelfID overrides the peer ID as this process's identity.
	SelfID     string
	EnableMDNS bool
	// ServeTimeout bounds how long an inbound request may wait for its reply.
	ServeTimeout time.Duration
	Logger       *zap.SugaredLogger
}

var _ Network = (*Libp2pNet)(nil)
var _ AlertPublisher = (*Libp2pNet)(nil)

func NewLibp2pNet(ctx context.Context, cfg Libp2pConfig) (*Libp2pNet, error) {
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}

	nctx, cancel := context.WithCancel(ctx)
	ps, err := pubsub.NewGossipSub(nctx, h)
	if err != nil {
		cancel()
		h.Close()
		return nil, err
	}

	n := &Libp2pNet{
		h:            h,
		ps:           ps,
		log:          util.OrNop(cfg.Logger),
		self:         cfg.SelfID,
		serveTimeout: cfg.ServeTimeout,
		bootstrap:    cfg.Bootstrap,
		handlers:     make(map[Service]Handler),
		ctx:          nctx,
		cancel:       cancel,
	}
	if n.self == "" {
		n.self = h.ID().String()
	}
	if n.serveTimeout <= 0 {
		n.serveTimeout = 5 * time.Minute
	}

	if err := n.joinTopics(); err != nil {
		n.Close()
		return nil, err
	}
	go n.handleAlerts()

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(nctx, h, bs); err != nil {
			n.log.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}
	if len(cfg.Bootstrap) > 0 {
		go n.keepBootstrapped()
	}

	if cfg.EnableMDNS {
		n.mdns = mdns.NewMdnsService(h, mdnsServiceTag, &mdnsNotifee{n: n})
		if err := n.mdns.Start(); err != nil {
			n.log.Warnw("mdns_start_failed", "err", err)
		}
	}

	n.log.Infow("libp2p_ready", "peer", h.ID().String(), "self", n.self, "addrs", n.Addrs())
	return n, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

// keepBootstrapped redials bootstrap peers that dropped.
func (n *Libp2pNet) keepBootstrapped() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			for _, bs := range n.bootstrap {
				m, err := ma.NewMultiaddr(bs)
				if err != nil {
					continue
				}
				info, err := peer.AddrInfoFromP2pAddr(m)
				if err != nil || n.h.Network().Connectedness(info.ID) == network.Connected {
					continue
				}
				if err := n.h.Connect(n.ctx, *info); err != nil {
					n.log.Debugw("bootstrap_redial_failed", "peer", info.ID.String(), "err", err)
				}
			}
		}
	}
}

type mdnsNotifee struct{ n *Libp2pNet }

func (m *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == m.n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(m.n.ctx, 10*time.Second)
	defer cancel()
	if err := m.n.h.Connect(ctx, info); err != nil {
		m.n.log.Debugw("mdns_connect_failed", "peer", info.ID.String(), "err", err)
		return
	}
	m.n.log.Infow("mdns_peer_connected", "peer", info.ID.String())
}

func (n *Libp2pNet) joinTopics() error {
	var err error
	if n.tOps, err = n.ps.Join(topicOps); err != nil {
		return err
	}
	if n.subOps, err = n.tOps.Subscribe(); err != nil {
		return err
	}
	return nil
}

func (n *Libp2pNet) Self() string { return n.self }

func (n *Libp2pNet) Host() host.Host { return n.h }

// Addrs returns full dialable addresses including the /p2p/ component.
func (n *Libp2pNet) Addrs() []string {
	info := peer.AddrInfo{ID: n.h.ID(), Addrs: n.h.Addrs()}
	addrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

// Connect dials a full multiaddr such as one returned by Addrs.
func (n *Libp2pNet) Connect(ctx context.Context, addr string) error {
	return connectMultiaddr(ctx, n.h, addr)
}

func (n *Libp2pNet) OnAlert(f func(Alert)) {
	n.muA.Lock()
	n.onAlert = f
	n.muA.Unlock()
}

func (n *Libp2pNet) Serve(svc Service, h Handler) {
	n.muH.Lock()
	n.handlers[svc] = h
	n.muH.Unlock()
	n.h.SetStreamHandler(protocolFor(svc), n.streamHandler(svc))
}

func (n *Libp2pNet) localHandler(svc Service) (Handler, bool) {
	n.muH.RLock()
	defer n.muH.RUnlock()
	h, ok := n.handlers[svc]
	return h, ok
}

// inbound

func (n *Libp2pNet) streamHandler(svc Service) network.StreamHandler {
	return func(s network.Stream) {
		from := s.Conn().RemotePeer().String()
		_ = s.SetReadDeadline(time.Now().Add(30 * time.Second))
		raw, err := readRequest(s)
		if err != nil {
			n.log.Debugw("rpc_read_failed", "service", svc, "from", from, "err", err)
			s.Reset()
			return
		}
		msg, err := wire.Decode(raw)
		if err != nil {
			_ = writeResponse(s, wire.Response{Error: err.Error()})
			s.Close()
			return
		}

		h, ok := n.localHandler(svc)
		if !ok {
			s.Reset()
			return
		}

		_ = s.SetReadDeadline(time.Time{})
		_ = s.SetWriteDeadline(time.Now().Add(n.serveTimeout))
		slot := newReplySlot(func(resp wire.Response) error {
			if err := writeResponse(s, resp); err != nil {
				return err
			}
			return s.CloseWrite()
		})
		go watchCaller(s, slot)
		h.ServeRPC(n.ctx, from, msg, slot)

		timer := time.NewTimer(n.serveTimeout)
		defer timer.Stop()
		select {
		case <-slot.done():
			s.Close()
		case <-slot.Gone():
			s.Reset()
		case <-timer.C:
			slot.abandon()
			s.Reset()
		case <-n.ctx.Done():
			slot.abandon()
			s.Reset()
		}
	}
}

// watchCaller abandons slot once the caller resets the stream. EOF means
// the caller closed its write side and is still waiting for the reply.
func watchCaller(s network.Stream, slot *replySlot) {
	var buf [64]byte
	for {
		_, err := s.Read(buf[:])
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) {
			slot.abandon()
		}
		return
	}
}

// outbound

func (n *Libp2pNet) call(ctx context.Context, p peer.ID, svc Service, payload []byte) (wire.Response, error) {
	s, err := n.h.NewStream(ctx, p, protocolFor(svc))
	if err != nil {
		return wire.Response{}, &dialError{err: err}
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(dl)
	}

	type result struct {
		resp wire.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		// The write side stays open: resetting it is how the server
		// learns this call was abandoned.
		if _, err := s.Write(payload); err != nil {
			r.err = err
			done <- r
			return
		}
		data, err := readFrame(s)
		if err != nil {
			r.err = err
			done <- r
			return
		}
		r.err = json.Unmarshal(data, &r.resp)
		done <- r
	}()

	select {
	case r := <-done:
		if r.err != nil {
			s.Reset()
			if ctx.Err() != nil {
				return wire.Response{}, timeoutErr(ctx, svc, p.String())
			}
			return wire.Response{}, fmt.Errorf("%s at %s: %w", svc, p, r.err)
		}
		s.Close()
		return r.resp, nil
	case <-ctx.Done():
		s.Reset()
		return wire.Response{}, timeoutErr(ctx, svc, p.String())
	}
}

type dialError struct{ err error }

func (e *dialError) Error() string { return "open stream: " + e.err.Error() }
func (e *dialError) Unwrap() error { return e.err }

// instances lists connected peers serving svc. Peers whose protocols are not
// known yet are returned separately so callers can try them.
func (n *Libp2pNet) instances(svc Service) (known, unknown []peer.ID) {
	proto := protocolFor(svc)
	for _, p := range n.h.Network().Peers() {
		protos, err := n.h.Peerstore().GetProtocols(p)
		if err != nil || len(protos) == 0 {
			unknown = append(unknown, p)
			continue
		}
		for _, pr := range protos {
			if pr == proto {
				known = append(known, p)
				break
			}
		}
	}
	return known, unknown
}

func (n *Libp2pNet) Request(ctx context.Context, svc Service, msg wire.Message, out any) error {
	payload, err := wire.Encode(msg)
	if err != nil {
		return err
	}

	known, unknown := n.instances(svc)
	rand.Shuffle(len(known), func(i, j int) { known[i], known[j] = known[j], known[i] })
	if h, ok := n.localHandler(svc); ok && len(known) == 0 {
		resp, err := callLocal(ctx, n.ctx, h, n.self, n.self, svc, msg)
		if err != nil {
			return err
		}
		return decodeResponse(n.self, resp, out)
	}

	for _, p := range append(known, unknown...) {
		resp, err := n.call(ctx, p, svc, payload)
		var de *dialError
		if errors.As(err, &de) && ctx.Err() == nil {
			continue
		}
		if err != nil {
			return err
		}
		return decodeResponse(p.String(), resp, out)
	}
	if h, ok := n.localHandler(svc); ok {
		resp, err := callLocal(ctx, n.ctx, h, n.self, n.self, svc, msg)
		if err != nil {
			return err
		}
		return decodeResponse(n.self, resp, out)
	}
	return ErrNoInstance
}

func (n *Libp2pNet) Broadcast(ctx context.Context, svc Service, msg wire.Message) ([]Result, error) {
	payload, err := wire.Encode(msg)
	if err != nil {
		return nil, err
	}
	known, unknown := n.instances(svc)

	var (
		mu      sync.Mutex
		results []Result
		wg      sync.WaitGroup
	)
	add := func(r Result) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	}

	if h, ok := n.localHandler(svc); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := callLocal(ctx, n.ctx, h, n.self, n.self, svc, msg)
			add(toResult(n.self, resp, err))
		}()
	}
	for _, p := range known {
		wg.Add(1)
		go func(p peer.ID) {
			defer wg.Done()
			resp, err := n.call(ctx, p, svc, payload)
			add(toResult(p.String(), resp, err))
		}(p)
	}
	for _, p := range unknown {
		wg.Add(1)
		go func(p peer.ID) {
			defer wg.Done()
			resp, err := n.call(ctx, p, svc, payload)
			var de *dialError
			if errors.As(err, &de) {
				// not an instance of svc
				return
			}
			add(toResult(p.String(), resp, err))
		}(p)
	}
	wg.Wait()

	if len(results) == 0 {
		return nil, ErrNoInstance
	}
	return results, nil
}

func toResult(peer string, resp wire.Response, err error) Result {
	if err == nil && resp.Error != "" {
		err = &RemoteError{Peer: peer, Msg: resp.Error}
	}
	return Result{Peer: peer, Data: resp.Data, Err: err}
}

// alerts

func (n *Libp2pNet) PublishAlert(ctx context.Context, a Alert) error {
	if a.Node == "" {
		a.Node = n.self
	}
	if a.Time == 0 {
		a.Time = time.Now().UnixMilli()
	}
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return n.tOps.Publish(ctx, data)
}

func (n *Libp2pNet) handleAlerts() {
	for {
		msg, err := n.subOps.Next(n.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.h.ID() {
			continue
		}
		var a Alert
		if err := json.Unmarshal(msg.Data, &a); err != nil {
			continue
		}
		n.muA.RLock()
		f := n.onAlert
		n.muA.RUnlock()
		if f != nil {
			f(a)
			continue
		}
		n.log.Warnw("peer_alert", "node", a.Node, "kind", a.Kind, "detail", a.Detail, "peers", a.Peers, "seq", a.Seq)
	}
}

func (n *Libp2pNet) Close() error {
	n.cancel()
	if n.mdns != nil {
		n.mdns.Close()
	}
	if n.subOps != nil {
		n.subOps.Cancel()
	}
	if n.tOps != nil {
		n.tOps.Close()
	}
	return n.h.Close()
}

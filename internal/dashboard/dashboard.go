// Package dashboard runs the dispatch monitor: one reconciliation loop per
// live collection, the shared overlay scene, the cancel flow and the HTTP and
// websocket surface browsers connect to.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/dispatch-monitor/internal/audit"
	"github.com/signalsfoundry/dispatch-monitor/internal/cancel"
	"github.com/signalsfoundry/dispatch-monitor/internal/config"
	"github.com/signalsfoundry/dispatch-monitor/internal/feed"
	"github.com/signalsfoundry/dispatch-monitor/internal/logging"
	"github.com/signalsfoundry/dispatch-monitor/internal/notify"
	"github.com/signalsfoundry/dispatch-monitor/internal/observability"
	"github.com/signalsfoundry/dispatch-monitor/internal/overlay"
	"github.com/signalsfoundry/dispatch-monitor/internal/policy"
	"github.com/signalsfoundry/dispatch-monitor/internal/reconcile"
	"github.com/signalsfoundry/dispatch-monitor/internal/ws"
	"github.com/signalsfoundry/dispatch-monitor/model"
	"github.com/signalsfoundry/dispatch-monitor/timectrl"
)

// Push message types besides the overlay operations.
const (
	MsgSnapshot      = "overlay.snapshot"
	MsgCounts        = "counts"
	MsgNotify        = "notify"
	MsgView          = "view"
	MsgConfirmOpen   = "confirm.request"
	MsgConfirmClosed = "confirm.closed"
)

// Options wires a Server.
type Options struct {
	Config  config.Config
	Source  feed.Source
	Deleter cancel.Deleter

	Logger  logging.Logger
	Metrics *observability.DashboardCollector
	Audit   *audit.Log
	Clock   timectrl.Clock
}

// CollectionCounts is the counts push for one collection.
type CollectionCounts struct {
	Collection string `json:"collection"`
	Role       string `json:"role"`
	Visible    int    `json:"visible"`
	Total      int    `json:"total"`
	Phase      string `json:"phase"`
}

// applier is satisfied by every reconciler regardless of its handle type.
type applier interface {
	Apply(ctx context.Context, b model.Batch) reconcile.Result
}

type collection struct {
	name string
	role string
	rec  applier
}

// Server owns the dashboard runtime.
type Server struct {
	cfg     config.Config
	source  feed.Source
	log     logging.Logger
	metrics *observability.DashboardCollector
	audit   *audit.Log

	hub    *ws.Hub
	scene  *overlay.Scene
	broker *cancel.Broker
	cancel *cancel.Service

	collections []collection

	mu     sync.Mutex
	counts map[string]CollectionCounts

	lifetime context.Context
	stop     context.CancelFunc
	inflight sync.WaitGroup
}

// New builds the scene, policies and cancel flow. Nothing runs until Run.
func New(opts Options) (*Server, error) {
	if opts.Source == nil {
		return nil, errors.New("dashboard: feed source is required")
	}
	if opts.Deleter == nil {
		return nil, errors.New("dashboard: deleter is required")
	}
	log := opts.Logger
	if log == nil {
		log = logging.Noop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = timectrl.Real{}
	}

	s := &Server{
		cfg:     opts.Config,
		source:  opts.Source,
		log:     log,
		metrics: opts.Metrics,
		audit:   opts.Audit,
		counts:  make(map[string]CollectionCounts),
	}
	s.lifetime, s.stop = context.WithCancel(context.Background())

	s.hub = ws.NewHub(log,
		ws.WithJoin(s.join),
		ws.WithClientCount(s.metrics.SetClients),
	)
	s.scene = overlay.NewScene(overlay.SinkFunc(func(op overlay.Op) {
		s.hub.Broadcast(ws.Message{Type: op.Type, Data: op})
	}))
	notifier := notify.Func(func(n notify.Notification) {
		s.hub.Broadcast(ws.Message{Type: MsgNotify, Data: n})
	})

	s.broker = cancel.NewBroker(promptPublisher{s.hub}, opts.Config.Cancel.ConfirmTimeout, clock)
	cancelOpts := []cancel.Option{
		cancel.WithNotifier(notifier),
		cancel.WithLogger(log),
		cancel.WithClock(clock),
		cancel.WithDeleteTimeout(opts.Config.Cancel.DeleteTimeout),
	}
	if opts.Metrics != nil {
		cancelOpts = append(cancelOpts, cancel.WithMetrics(opts.Metrics))
	}
	if opts.Audit != nil {
		cancelOpts = append(cancelOpts, cancel.WithAudit(opts.Audit))
	}
	s.cancel = cancel.NewService(s.broker, opts.Deleter, cancelOpts...)

	if err := s.buildPolicies(notifier); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) buildPolicies(notifier notify.Notifier) error {
	cols := s.cfg.Collections
	var recorder reconcile.Recorder
	if s.metrics != nil {
		recorder = s.metrics
	}
	options := func(cc config.CollectionConfig, fallback policy.Predicate) (policy.Options, error) {
		include, err := policy.CompilePredicate(cc.Include, fallback)
		if err != nil {
			return policy.Options{}, fmt.Errorf("collection %s: %w", cc.Name, err)
		}
		return policy.Options{
			Collection: cc.Name,
			Include:    include,
			FullRedraw: cc.FullRedraw,
			SoundURL:   cc.SoundURL,
			Notifier:   notifier,
			Logger:     s.log,
			Recorder:   recorder,
		}, nil
	}

	riderOpts, err := options(cols.Riders, policy.IncludeAll)
	if err != nil {
		return err
	}
	riders, err := policy.Riders(s.scene.Layer(cols.Riders.Name), riderOpts)
	if err != nil {
		return err
	}

	customerOpts, err := options(cols.Customers, policy.IncludeAll)
	if err != nil {
		return err
	}
	customers, err := policy.Customers(s.scene.Layer(cols.Customers.Name), customerOpts)
	if err != nil {
		return err
	}

	orderOpts, err := options(cols.Orders, policy.NotCompleted)
	if err != nil {
		return err
	}
	orders, err := policy.Orders(s.scene.Layer(cols.Orders.Name), orderOpts)
	if err != nil {
		return err
	}

	s.collections = []collection{
		{name: cols.Riders.Name, role: "riders", rec: riders},
		{name: cols.Customers.Name, role: "customers", rec: customers},
		{name: cols.Orders.Name, role: "orders", rec: orders},
	}
	for _, c := range s.collections {
		s.counts[c.name] = CollectionCounts{Collection: c.name, Role: c.role, Phase: reconcile.Priming.String()}
	}
	return nil
}

// Run subscribes to every collection and applies batches until ctx ends or
// every subscription has closed.
func (s *Server) Run(ctx context.Context) error {
	subs := make([]<-chan model.Batch, len(s.collections))
	for i, c := range s.collections {
		ch, err := s.source.Subscribe(ctx, c.name)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", c.name, err)
		}
		subs[i] = ch
	}

	var wg sync.WaitGroup
	for i, c := range s.collections {
		wg.Add(1)
		go func(c collection, ch <-chan model.Batch) {
			defer wg.Done()
			s.loop(ctx, c, ch)
		}(c, subs[i])
	}
	wg.Wait()
	return ctx.Err()
}

// loop is the sole owner of c.rec.
func (s *Server) loop(ctx context.Context, c collection, ch <-chan model.Batch) {
	log := s.log.With(logging.Collection(c.name))
	log.Info(ctx, "collection loop started")
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-ch:
			if !ok {
				log.Warn(ctx, "collection feed ended")
				return
			}
			if b.Collection == "" {
				b.Collection = c.name
			}
			res := c.rec.Apply(ctx, b)
			s.publishCounts(c, res)
		}
	}
}

func (s *Server) publishCounts(c collection, res reconcile.Result) {
	cc := CollectionCounts{
		Collection: c.name,
		Role:       c.role,
		Visible:    res.VisibleCount,
		Total:      res.TotalSnapshotSize,
		Phase:      reconcile.Live.String(),
	}
	s.mu.Lock()
	s.counts[c.name] = cc
	s.mu.Unlock()
	s.hub.Broadcast(ws.Message{Type: MsgCounts, Data: []CollectionCounts{cc}})
}

// Counts returns the latest counts of every collection ordered by name.
func (s *Server) Counts() []CollectionCounts {
	s.mu.Lock()
	out := make([]CollectionCounts, 0, len(s.counts))
	for _, c := range s.counts {
		out = append(out, c)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Collection < out[j].Collection })
	return out
}

// Scene exposes the overlay scene.
func (s *Server) Scene() *overlay.Scene { return s.scene }

// Hub exposes the websocket hub.
func (s *Server) Hub() *ws.Hub { return s.hub }

// Broker exposes the confirmation broker.
func (s *Server) Broker() *cancel.Broker { return s.broker }

// StartCancel runs the cancel flow for one entity in the background and
// returns immediately. The flow outlives the request that started it but not
// the server.
func (s *Server) StartCancel(ctx context.Context, collectionName, key string) error {
	if !s.knows(collectionName) {
		return fmt.Errorf("%w: %s", feed.ErrUnknownCollection, collectionName)
	}
	flowCtx := s.lifetime
	if id := logging.RequestIDFromContext(ctx); id != "" {
		flowCtx = logging.ContextWithRequestID(flowCtx, id)
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		if _, err := s.cancel.Cancel(flowCtx, collectionName, key); err != nil {
			s.log.Warn(flowCtx, "cancel flow failed",
				logging.Collection(collectionName), logging.String("key", key), logging.Err(err))
		}
	}()
	return nil
}

// Close aborts outstanding cancel flows, waiting at most timeout for them to
// finish, and disconnects every browser.
func (s *Server) Close(timeout time.Duration) {
	s.stop()
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.log.Warn(context.Background(), "cancel flows still running at shutdown")
	}
	s.hub.Close()
}

func (s *Server) knows(name string) bool {
	for _, c := range s.collections {
		if c.name == name {
			return true
		}
	}
	return false
}

// join brings a new browser up to date. It runs under the scene lock so no
// overlay operation slips between the snapshot and the registration.
func (s *Server) join(register func(...ws.Message)) {
	s.scene.Sync(func(shapes []overlay.Shape) {
		msgs := []ws.Message{
			{Type: MsgView, Data: s.cfg.Map},
			{Type: MsgSnapshot, Data: shapes},
			{Type: MsgCounts, Data: s.Counts()},
		}
		for _, req := range s.broker.Pending() {
			msgs = append(msgs, ws.Message{Type: MsgConfirmOpen, Data: req})
		}
		register(msgs...)
	})
}

type promptPublisher struct{ hub *ws.Hub }

func (p promptPublisher) PromptOpened(r cancel.Request) {
	p.hub.Broadcast(ws.Message{Type: MsgConfirmOpen, Data: r})
}

func (p promptPublisher) PromptClosed(token string) {
	p.hub.Broadcast(ws.Message{Type: MsgConfirmClosed, Data: map[string]string{"token": token}})
}

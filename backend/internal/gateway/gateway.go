package gateway

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"golang.org/x/sync/singleflight"

	"livecollab/backend/internal/collab"
	"livecollab/backend/internal/store"
	"livecollab/backend/internal/transformer"
	"livecollab/backend/internal/ws"
)

var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionExists        = errors.New("session already exists")
	ErrNotInSession         = errors.New("not in a session")
	ErrTransformUnavailable = errors.New("transform service unavailable")
	ErrTransformTimeout     = errors.New("transform timed out")
	ErrGatewayStopped       = errors.New("gateway stopped")
)

// PresenceMirror 把成员变化同步到外部（Redis）。在后台 goroutine 里调用。
type PresenceMirror interface {
	Join(ctx context.Context, sessionID, clientID, name string) error
	Leave(ctx context.Context, sessionID, clientID string) error
	Drop(ctx context.Context, sessionID string) error
	SetCursor(ctx context.Context, sessionID, clientID string, jsonData []byte) error
}

// Archiver 保存被销毁会话的最终文档
type Archiver interface {
	Archive(ctx context.Context, rec store.SessionArchive) error
}

type Config struct {
	CleanupInterval   time.Duration
	InactivityTimeout time.Duration
	MaxAge            time.Duration
	MaxSessions       int

	TransformTimeout       time.Duration
	TransformMaxConcurrent int

	// PresenceRefresh 同一客户端两次刷新 Redis TTL 的最小间隔
	PresenceRefresh time.Duration

	Session collab.Options
}

func (c *Config) setDefaults() {
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 60 * time.Second
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = 30 * time.Minute
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 24 * time.Hour
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 100
	}
	if c.TransformTimeout <= 0 {
		c.TransformTimeout = 30 * time.Second
	}
	if c.TransformMaxConcurrent <= 0 {
		c.TransformMaxConcurrent = 8
	}
	if c.PresenceRefresh <= 0 {
		c.PresenceRefresh = time.Minute
	}
}

type Option func(*Gateway)

func WithTransformer(t transformer.Transformer) Option { return func(g *Gateway) { g.transformer = t } }
func WithPresence(p PresenceMirror) Option             { return func(g *Gateway) { g.presence = p } }
func WithArchiver(a Archiver) Option                   { return func(g *Gateway) { g.archiver = a } }
func WithClock(now func() time.Time) Option            { return func(g *Gateway) { g.now = now } }
func WithIDGenerator(f func() string) Option           { return func(g *Gateway) { g.newID = f } }

// endpoint 一个已连接的客户端
type endpoint struct {
	id          string
	tr          collab.Transport
	sessionID   string
	name        string
	lastPresent time.Time
}

func (e *endpoint) send(evt collab.Event) {
	if err := e.tr.Send(evt); err != nil {
		log.Printf("send failed client=%s type=%s: %v", e.id, evt.Type, err)
	}
}

// Gateway 持有进程内全部会话和连接。
// 所有状态只在 run 这一个 goroutine 里读写，对外方法都是往 cmds 投递闭包。
type Gateway struct {
	cfg Config

	sessions map[string]*collab.Session
	clients  map[string]*endpoint

	transformer  transformer.Transformer
	transformSem *collab.SemaphoreControl
	flight       singleflight.Group

	presence PresenceMirror
	archiver Archiver
	// 外部副作用（Redis/MySQL）和变换调用
	bg conc.WaitGroup

	now   func() time.Time
	newID func() string

	// Stop 时取消，用来打断进行中的变换调用
	ctx    context.Context
	cancel context.CancelFunc

	cmds      chan func()
	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

var _ ws.Dispatcher = (*Gateway)(nil)

func New(cfg Config, opts ...Option) *Gateway {
	cfg.setDefaults()
	g := &Gateway{
		cfg:      cfg,
		sessions: make(map[string]*collab.Session),
		clients:  make(map[string]*endpoint),
		now:      time.Now,
		newID:    uuid.NewString,
		cmds:     make(chan func(), 1024),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(g)
	}
	g.transformSem = collab.NewSemaphoreControl(cfg.TransformMaxConcurrent)
	g.ctx, g.cancel = context.WithCancel(context.Background())
	return g
}

// Start 启动事件循环
func (g *Gateway) Start() {
	g.startOnce.Do(func() { go g.run() })
}

// Stop 关闭全部会话并等待事件循环和后台任务退出
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() { close(g.stop) })
	// 从未启动过时由这里关闭 done
	g.startOnce.Do(func() { close(g.done) })
	<-g.done
	g.cancel()
	if r := g.bg.WaitAndRecover(); r != nil {
		log.Printf("background task panic: %v", r.Value)
	}
}

func (g *Gateway) run() {
	defer close(g.done)
	ticker := time.NewTicker(g.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case fn := <-g.cmds:
			g.exec(fn)
		case <-ticker.C:
			g.exec(g.evict)
		case <-g.stop:
			g.exec(g.shutdown)
			return
		}
	}
}

// exec 单条命令的 panic 不能带垮事件循环
func (g *Gateway) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("gateway command panic: %v", r)
		}
	}()
	fn()
}

// post 把闭包交给事件循环；循环已退出时返回 false
func (g *Gateway) post(fn func()) bool {
	select {
	case <-g.stop:
		return false
	default:
	}
	select {
	case g.cmds <- fn:
		return true
	case <-g.done:
		return false
	}
}

// query 在事件循环里执行 fn 并等待结果
func query[T any](ctx context.Context, g *Gateway, fn func() T) (T, error) {
	var zero T
	reply := make(chan T, 1)
	if !g.post(func() { reply <- fn() }) {
		return zero, ErrGatewayStopped
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-g.done:
		return zero, ErrGatewayStopped
	}
}

func (g *Gateway) Connect(clientID string, tr collab.Transport) error {
	if !g.post(func() { g.connect(clientID, tr) }) {
		return ErrGatewayStopped
	}
	return nil
}

func (g *Gateway) Dispatch(clientID string, msg ws.Inbound) {
	g.post(func() { g.dispatch(clientID, msg) })
}

func (g *Gateway) Disconnect(clientID string) {
	g.post(func() { g.disconnect(clientID) })
}

type SessionInfo struct {
	ID           string    `json:"id"`
	Filename     string    `json:"filename"`
	Clients      int       `json:"clients"`
	Revision     uint64    `json:"revision"`
	HostClientID string    `json:"hostClientId"`
	IsLocked     bool      `json:"isLocked"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

func infoOf(s *collab.Session) SessionInfo {
	return SessionInfo{
		ID:           s.ID(),
		Filename:     s.Filename(),
		Clients:      s.ClientCount(),
		Revision:     s.Revision(),
		HostClientID: s.HostClientID(),
		IsLocked:     s.IsLocked(),
		CreatedAt:    s.CreatedAt(),
		LastActivity: s.LastActivity(),
	}
}

// Sessions 当前所有会话的只读快照
func (g *Gateway) Sessions(ctx context.Context) ([]SessionInfo, error) {
	return query(ctx, g, g.sessionInfos)
}

func (g *Gateway) Session(ctx context.Context, id string) (SessionInfo, error) {
	type result struct {
		info SessionInfo
		ok   bool
	}
	r, err := query(ctx, g, func() result {
		s, ok := g.sessions[id]
		if !ok {
			return result{}
		}
		return result{info: infoOf(s), ok: true}
	})
	if err != nil {
		return SessionInfo{}, err
	}
	if !r.ok {
		return SessionInfo{}, ErrSessionNotFound
	}
	return r.info, nil
}

func (g *Gateway) sessionInfos() []SessionInfo {
	out := make([]SessionInfo, 0, len(g.sessions))
	for _, s := range g.sessions {
		out = append(out, infoOf(s))
	}
	return out
}

func (g *Gateway) connect(clientID string, tr collab.Transport) {
	if old, ok := g.clients[clientID]; ok && old.sessionID != "" {
		g.leave(old)
	}
	g.clients[clientID] = &endpoint{id: clientID, tr: tr}
}

// disconnect 传输层断开：和 leave 一样清理，然后忘掉这个连接
func (g *Gateway) disconnect(clientID string) {
	ep, ok := g.clients[clientID]
	if !ok {
		return
	}
	if ep.sessionID != "" {
		g.leave(ep)
	}
	delete(g.clients, clientID)
}

func (g *Gateway) shutdown() {
	for _, s := range g.sessions {
		g.destroy(s, "server shutting down")
	}
}

// background 后台执行外部副作用，带超时，不阻塞事件循环
func (g *Gateway) background(name string, fn func(ctx context.Context) error) {
	g.bg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Printf("%s failed: %v", name, err)
		}
	})
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"unicode/utf8"

	"livecollab/backend/internal/collab"
	"livecollab/backend/internal/ot"
	"livecollab/backend/internal/transformer"
	"livecollab/backend/internal/ws"
)

type TransformResultPayload struct {
	Mode               ws.TransformMode `json:"mode"`
	Success            bool             `json:"success"`
	TransformedContent string           `json:"transformedContent"`
	Diagnostics        json.RawMessage  `json:"diagnostics,omitempty"`
	Revision           uint64           `json:"revision"`
	RequestedBy        string           `json:"requestedBy"`
	// Applied 为 true 表示结果已经作为一次 replace 操作提交
	Applied bool `json:"applied"`
}

type TransformErrorPayload struct {
	Error       string          `json:"error"`
	Diagnostics json.RawMessage `json:"diagnostics,omitempty"`
}

// transformJob 记录发起请求时的文档快照
type transformJob struct {
	sessionID string
	clientID  string
	mode      ws.TransformMode
	revision  uint64
	req       transformer.Request
}

// runTransform 在后台调用外部变换服务，完成后把结果投回事件循环。
// 调用期间事件循环继续处理其他消息。
func (g *Gateway) runTransform(ep *endpoint, s *collab.Session, m ws.RunTransform) {
	if g.transformer == nil {
		ep.send(collab.Event{Type: collab.EventTransformError, Data: TransformErrorPayload{Error: ErrTransformUnavailable.Error()}})
		return
	}
	job := transformJob{
		sessionID: s.ID(),
		clientID:  ep.id,
		mode:      m.Mode,
		revision:  s.Revision(),
		req: transformer.Request{
			Content:  s.Content(),
			Filename: s.Filename(),
			Mode:     string(m.Mode),
			Layers:   m.Layers,
		},
	}
	g.bg.Go(func() {
		res, err := g.callTransformer(job)
		if !g.post(func() { g.finishTransform(job, res, err) }) {
			log.Printf("transform result dropped, gateway stopped session=%s", job.sessionID)
		}
	})
}

// callTransformer 同一会话同一版本、同样参数的并发请求只调用一次
func (g *Gateway) callTransformer(job transformJob) (transformer.Result, error) {
	ctx, cancel := context.WithTimeout(g.ctx, g.cfg.TransformTimeout)
	defer cancel()

	key := fmt.Sprintf("%s:%d:%s:%v", job.sessionID, job.revision, job.mode, job.req.Layers)
	ch := g.flight.DoChan(key, func() (any, error) {
		if err := g.transformSem.Acquire(ctx); err != nil {
			return transformer.Result{}, ErrTransformTimeout
		}
		defer g.transformSem.Release()
		return g.transformer.Transform(ctx, job.req)
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			if errors.Is(r.Err, context.DeadlineExceeded) {
				return transformer.Result{}, ErrTransformTimeout
			}
			return transformer.Result{}, r.Err
		}
		return r.Val.(transformer.Result), nil
	case <-ctx.Done():
		return transformer.Result{}, ErrTransformTimeout
	}
}

// finishTransform 在事件循环里执行：广播结果，apply 模式下提交整篇 replace
func (g *Gateway) finishTransform(job transformJob, res transformer.Result, err error) {
	s, ok := g.sessions[job.sessionID]
	if !ok {
		return
	}
	if err != nil || !res.Success {
		msg := "transform failed"
		if err != nil {
			msg = err.Error()
		}
		log.Printf("transform error session=%s client=%s: %s", job.sessionID, job.clientID, msg)
		evt := collab.Event{Type: collab.EventTransformError, Data: TransformErrorPayload{Error: msg, Diagnostics: res.Diagnostics}}
		if !s.Send(job.clientID, evt) {
			s.Broadcast(evt, "")
		}
		return
	}

	payload := TransformResultPayload{
		Mode:               job.mode,
		Success:            true,
		TransformedContent: res.TransformedContent,
		Diagnostics:        res.Diagnostics,
		Revision:           job.revision,
		RequestedBy:        job.clientID,
	}
	if job.mode == ws.ModeApply && res.TransformedContent != job.req.Content {
		author := job.clientID
		if !s.HasClient(author) {
			author = s.HostClientID()
		}
		if author != "" {
			// 基于请求时的版本提交，期间别人的编辑交给 OT 处理
			op := ot.Operation{
				Type:         ot.KindReplace,
				Position:     0,
				OldLength:    utf8.RuneCountInString(job.req.Content),
				Content:      res.TransformedContent,
				BaseRevision: job.revision,
				ClientID:     author,
				Metadata:     map[string]any{"source": "transform"},
			}
			if _, err := s.HandleOperation(author, op); err != nil {
				log.Printf("apply transform session=%s client=%s: %v", job.sessionID, author, err)
			} else {
				payload.Applied = true
			}
		}
	}
	s.Broadcast(collab.Event{Type: collab.EventTransformResult, Data: payload}, "")
}

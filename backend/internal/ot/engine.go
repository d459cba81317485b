package ot

import (
	"errors"
	"fmt"
	"slices"
)

var ErrStaleRevision = errors.New("base revision no longer in history")

// Applied 是一次被接受的操作：相对提交前文本的等效编辑和它对应的版本号
type Applied struct {
	Operation Operation `json:"operation"`
	Revision  uint64    `json:"revision"`
}

// Engine 维护文档的字符序列和单调递增的版本号。
// 不加锁：调用方（Session）保证同一时间只有一个 goroutine 在操作它。
type Engine struct {
	chars  []*char
	nextID int

	// recent 窗口内的提交记录，用来找和新操作并发的 replace
	recent   []*record
	revision uint64
	// floor 允许的最老 baseRevision
	floor uint64
	// 窗口最多保留多少个版本，<=0 表示不限
	limit int
}

func NewEngine(content string, limit int) *Engine {
	e := &Engine{limit: limit}
	for _, r := range content {
		e.chars = append(e.chars, &char{id: e.nextID, r: r})
		e.nextID++
	}
	return e
}

// Revision 返回当前版本号（已接受的操作数）
func (e *Engine) Revision() uint64 { return e.revision }

// Transform 把 op 和 baseRevision 之后提交的所有操作合并解析，越界的位置和长度收缩到基准文本范围内。
// 不修改引擎状态；返回的 Pending 必须在下一次 Commit 之前提交，否则作废。
func (e *Engine) Transform(op Operation) (*Pending, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	if op.BaseRevision > e.revision {
		return nil, fmt.Errorf("%w: base revision %d ahead of %d", ErrInvalidOperation, op.BaseRevision, e.revision)
	}
	if op.BaseRevision < e.floor {
		return nil, fmt.Errorf("%w: base %d, oldest %d", ErrStaleRevision, op.BaseRevision, e.floor)
	}
	return e.resolve(op), nil
}

// Commit 提交 Transform 的结果，版本号 +1
func (e *Engine) Commit(p *Pending) Applied {
	if p.rec.rev != e.revision+1 {
		panic(fmt.Sprintf("ot: pending revision %d, engine at %d", p.rec.rev, e.revision))
	}
	if len(p.chars) > 0 {
		e.chars = slices.Insert(e.chars, p.at, p.chars...)
		e.nextID += len(p.chars)
	}
	if len(p.rec.targets) > 0 {
		for _, c := range e.chars {
			if _, ok := p.rec.targets[c.id]; ok {
				c.dels = append(c.dels, p.rec)
			}
		}
	}
	for _, b := range p.beaten {
		b.lostAt = p.rec.rev
	}
	e.revision = p.rec.rev
	e.recent = append(e.recent, p.rec)
	if e.limit > 0 && len(e.recent) > e.limit {
		drop := len(e.recent) - e.limit
		e.recent = append(e.recent[:0:0], e.recent[drop:]...)
		e.floor = e.revision - uint64(e.limit)
	}
	return Applied{Operation: p.Operation, Revision: e.revision}
}

// ApplyOperation = Transform + Commit
func (e *Engine) ApplyOperation(op Operation) (Applied, error) {
	p, err := e.Transform(op)
	if err != nil {
		return Applied{}, err
	}
	return e.Commit(p), nil
}

// text 返回版本 v 时的可见文本
func (e *Engine) text(v uint64) string {
	idx := e.visible(v)
	out := make([]rune, len(idx))
	for i, j := range idx {
		out[i] = e.chars[j].r
	}
	return string(out)
}

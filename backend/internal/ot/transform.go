package ot

// 文档在引擎里是一串带墓碑的字符：删除只打标记，字符本身留在原位，
// 所以每个字符的相对顺序一旦确定就不再变化。
// 并发插入按 RGA 规则定位：紧跟在基准视图里的左邻字符之后，越过所有优先级更高的并发插入。
// 最终文本只取决于操作集合，和到达顺序无关。

// record 是一次已提交（或待提交）操作在引擎里的记录
type record struct {
	rev    uint64
	base   uint64
	client string
	kind   Kind
	// targets 删除或替换命中的字符 id，按 base 时的可见文本计算
	targets map[int]struct{}
	// lostAt 被并发、重叠且优先级更高的 replace 覆盖时的版本；0 表示一直有效
	lostAt uint64
}

// outranks 优先级：baseRevision 更新的优先，其次 clientId 字典序更小的，最后是后提交的
func (r *record) outranks(o *record) bool {
	if r.base != o.base {
		return r.base > o.base
	}
	if r.client != o.client {
		return r.client < o.client
	}
	return r.rev > o.rev
}

// effectiveAt 版本 v 时该操作是否生效。nil 表示初始文本。
func (r *record) effectiveAt(v uint64) bool {
	if r == nil {
		return true
	}
	return v >= r.rev && (r.lostAt == 0 || v < r.lostAt)
}

// concurrent 两个操作互相都没看到对方
func (r *record) concurrent(o *record) bool {
	return o.rev > r.base && r.rev > o.base
}

func (r *record) overlaps(o *record) bool {
	small, large := r.targets, o.targets
	if len(small) > len(large) {
		small, large = large, small
	}
	for id := range small {
		if _, ok := large[id]; ok {
			return true
		}
	}
	return false
}

type char struct {
	id   int
	r    rune
	ins  *record
	dels []*record
}

func (c *char) visibleAt(v uint64) bool {
	if !c.ins.effectiveAt(v) {
		return false
	}
	for _, d := range c.dels {
		if d.effectiveAt(v) {
			return false
		}
	}
	return true
}

// outranks 新内容扫描定位时，是否要越过 c
func (c *char) outranks(r *record) bool {
	return c.ins != nil && c.ins.outranks(r)
}

// Pending 是已经解析好、还没提交的操作。Operation 是相对当前文本的等效编辑。
type Pending struct {
	Operation Operation

	rec *record
	// at 新字符在 chars 里的插入下标
	at     int
	chars  []*char
	beaten []*record
}

// effective 提交之后该操作是否生效
func (p *Pending) effective(r *record) bool {
	if r == p.rec {
		return r.lostAt == 0
	}
	for _, b := range p.beaten {
		if b == r {
			return false
		}
	}
	return r.effectiveAt(p.rec.rev)
}

func (p *Pending) visibleAfter(c *char) bool {
	if !p.effective(c.ins) {
		return false
	}
	for _, d := range c.dels {
		if p.effective(d) {
			return false
		}
	}
	if _, hit := p.rec.targets[c.id]; hit && p.effective(p.rec) {
		return false
	}
	return true
}

// resolve 把基于 op.BaseRevision 的操作落到字符序列上：
// 命中的字符、新内容的位置，以及和并发 replace 之间的胜负
func (e *Engine) resolve(op Operation) *Pending {
	view := e.visible(op.BaseRevision)
	op = op.Clamp(len(view))

	rec := &record{rev: e.revision + 1, base: op.BaseRevision, client: op.ClientID, kind: op.Type}
	p := &Pending{rec: rec}

	if n := op.removed(); n > 0 {
		rec.targets = make(map[int]struct{}, n)
		for _, idx := range view[op.Position : op.Position+n] {
			rec.targets[e.chars[idx].id] = struct{}{}
		}
	}
	if op.Type != KindDelete && op.Content != "" {
		at := 0
		if op.Position > 0 {
			at = view[op.Position-1] + 1
		}
		for at < len(e.chars) && e.chars[at].outranks(rec) {
			at++
		}
		p.at = at
		for _, r := range op.Content {
			p.chars = append(p.chars, &char{id: e.nextID + len(p.chars), r: r, ins: rec})
		}
	}
	// 重叠的并发 replace 只保留优先级最高的那个
	if op.Type == KindReplace && len(rec.targets) > 0 {
		for i := len(e.recent) - 1; i >= 0 && e.recent[i].rev > rec.base; i-- {
			o := e.recent[i]
			if o.kind != KindReplace || !rec.concurrent(o) || !rec.overlaps(o) {
				continue
			}
			if !rec.outranks(o) {
				rec.lostAt = rec.rev
			} else if o.lostAt == 0 {
				p.beaten = append(p.beaten, o)
			}
		}
	}
	p.Operation = e.diff(p, op)
	return p
}

// visible 返回版本 v 时可见字符在 chars 里的下标
func (e *Engine) visible(v uint64) []int {
	out := make([]int, 0, len(e.chars))
	for i, c := range e.chars {
		if c.visibleAt(v) {
			out = append(out, i)
		}
	}
	return out
}

// diff 比较提交前后的可见文本，得到一个连续区间上的等效编辑
func (e *Engine) diff(p *Pending, op Operation) Operation {
	type cell struct {
		r        rune
		old, now bool
	}
	cells := make([]cell, 0, len(e.chars)+len(p.chars))
	cur := e.revision
	for i := 0; i <= len(e.chars); i++ {
		if i == p.at {
			for _, c := range p.chars {
				cells = append(cells, cell{r: c.r, now: p.visibleAfter(c)})
			}
		}
		if i < len(e.chars) {
			c := e.chars[i]
			cells = append(cells, cell{r: c.r, old: c.visibleAt(cur), now: p.visibleAfter(c)})
		}
	}

	first, last := -1, -1
	for i, c := range cells {
		if c.old != c.now {
			if first < 0 {
				first = i
			}
			last = i
		}
	}

	out := Operation{BaseRevision: op.BaseRevision, ClientID: op.ClientID, Metadata: op.Metadata}
	if first < 0 {
		// 文本不变：保留原类型，长度和内容清零
		docLen := 0
		for _, c := range cells {
			if c.old {
				docLen++
			}
		}
		out.Type = op.Type
		out.Position = clampInt(op.Position, 0, docLen)
		return out
	}

	var content []rune
	for i, c := range cells[:last+1] {
		switch {
		case i < first:
			if c.old {
				out.Position++
			}
		default:
			if c.old {
				out.OldLength++
			}
			if c.now {
				content = append(content, c.r)
			}
		}
	}
	switch {
	case out.OldLength == 0:
		out.Type = KindInsert
		out.Content = string(content)
	case len(content) == 0:
		out.Type = KindDelete
		out.Length = out.OldLength
		out.OldLength = 0
	default:
		out.Type = KindReplace
		out.Content = string(content)
	}
	return out
}

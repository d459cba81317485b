package collab

import (
	"fmt"
	"strings"

	"livecollab/backend/internal/ot/delta"
)

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	buf    bufferKind
	offset int
	length int
}

// PieceTable 按 rune 存储文档，插入只追加 add 缓冲区，删除只拆分 piece
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
	length   int
}

var _ Buffer = (*PieceTable)(nil)

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r, length: len(r)}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int { return pt.length }

func (pt *PieceTable) String() string {
	var b strings.Builder
	b.Grow(pt.length)
	for _, p := range pt.pieces {
		b.WriteString(string(pt.runes(p)))
	}
	return b.String()
}

func (pt *PieceTable) runes(p piece) []rune {
	if p.buf == bufAdd {
		return pt.add[p.offset : p.offset+p.length]
	}
	return pt.original[p.offset : p.offset+p.length]
}

// Apply 先整体校验 delta 不越界，再依次执行；校验失败时文档保持不变
func (pt *PieceTable) Apply(d delta.Delta) error {
	if err := pt.check(d); err != nil {
		return err
	}
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
		case delta.KindInsert:
			pos += pt.insert(pos, []rune(op.Text))
		case delta.KindDelete:
			pt.delete(pos, op.Count)
		}
	}
	return nil
}

func (pt *PieceTable) check(d delta.Delta) error {
	pos, size := 0, pt.length
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
		case delta.KindInsert:
			n := len([]rune(op.Text))
			pos += n
			size += n
		case delta.KindDelete:
			if pos+op.Count > size {
				return fmt.Errorf("%w: delete %d at %d, len %d", ErrOutOfRange, op.Count, pos, size)
			}
			size -= op.Count
		default:
			return fmt.Errorf("%w: unknown delta kind %q", ErrOutOfRange, op.Kind)
		}
		if op.Count < 0 || pos > size {
			return fmt.Errorf("%w: position %d, len %d", ErrOutOfRange, pos, size)
		}
	}
	return nil
}

func (pt *PieceTable) insert(pos int, text []rune) int {
	if len(text) == 0 {
		return 0
	}
	start := len(pt.add)
	pt.add = append(pt.add, text...)
	np := piece{buf: bufAdd, offset: start, length: len(text)}

	idx, offset := pt.locate(pos)
	switch {
	case idx == len(pt.pieces):
		// 追加到末尾时，如果和上一段在 add 缓冲区里是连续的就直接合并
		if n := len(pt.pieces); n > 0 {
			last := &pt.pieces[n-1]
			if last.buf == bufAdd && last.offset+last.length == start {
				last.length += np.length
				break
			}
		}
		pt.pieces = append(pt.pieces, np)
	case offset == 0:
		pt.pieces = append(pt.pieces[:idx], append([]piece{np}, pt.pieces[idx:]...)...)
	default:
		cur := pt.pieces[idx]
		left := piece{buf: cur.buf, offset: cur.offset, length: offset}
		right := piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset}
		out := make([]piece, 0, len(pt.pieces)+2)
		out = append(out, pt.pieces[:idx]...)
		out = append(out, left, np, right)
		out = append(out, pt.pieces[idx+1:]...)
		pt.pieces = out
	}
	pt.length += len(text)
	return len(text)
}

func (pt *PieceTable) delete(pos, count int) {
	remain := count
	idx, offset := pt.locate(pos)
	for remain > 0 && idx < len(pt.pieces) {
		cur := pt.pieces[idx]
		take := cur.length - offset
		if take > remain {
			take = remain
		}
		leftLen := offset
		rightLen := cur.length - offset - take

		repl := make([]piece, 0, 2)
		if leftLen > 0 {
			repl = append(repl, piece{buf: cur.buf, offset: cur.offset, length: leftLen})
		}
		if rightLen > 0 {
			repl = append(repl, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rightLen})
		}
		out := make([]piece, 0, len(pt.pieces)+1)
		out = append(out, pt.pieces[:idx]...)
		out = append(out, repl...)
		out = append(out, pt.pieces[idx+1:]...)
		pt.pieces = out

		// 左半段留下时，下一个要看的 piece 往后挪一位
		if leftLen > 0 {
			idx++
		}
		offset = 0
		remain -= take
		pt.length -= take
	}
}

// locate 根据逻辑位置 pos 找到 piece 下标和 piece 内偏移；pos 等于文档长度时返回 len(pieces)
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}

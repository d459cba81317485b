package delta

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

type Op struct {
	Kind  Kind   `json:"kind"`            // "retain" / "insert" / "delete"
	Count int    `json:"count,omitempty"` // retain/delete 的长度（按 rune 计）
	Text  string `json:"text,omitempty"`  // insert 的文本
}

type Delta []Op

// "ops":[{"kind":"retain","count":5},{"kind":"delete","count":3},{"kind":"insert","text":"Hello"}]

// Splice 生成 “在 pos 处删除 n 个字符，再插入 text” 的 delta。
// 长度为 0 的部分直接省略，所以空 delta 表示不改动文档。
func Splice(pos, n int, text string) Delta {
	d := make(Delta, 0, 3)
	if pos > 0 {
		d = append(d, Op{Kind: KindRetain, Count: pos})
	}
	if n > 0 {
		d = append(d, Op{Kind: KindDelete, Count: n})
	}
	if text != "" {
		d = append(d, Op{Kind: KindInsert, Text: text})
	}
	return d
}

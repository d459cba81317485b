package collab

import (
	"errors"

	"livecollab/backend/internal/ot/delta"
)

var ErrOutOfRange = errors.New("delta out of document range")

// Buffer 是会话文档内容的存储。对外仍然是普通字符串，内部可以是 piece table。
type Buffer interface {
	Len() int
	Apply(d delta.Delta) error
	String() string
}

/*
初始文档 "Hello world"：

	original = "Hello world", add = ""
	pieces   = [ (orig, 0, 11) ]

在位置 5 插入 " collaborative" 之后：

	add    = " collaborative"
	pieces = [ (orig, 0, 5), (add, 0, 14), (orig, 5, 6) ]
*/

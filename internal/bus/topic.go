package bus

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// KeyCodec 实例 key 与传输层字符串 key 之间的转换
type KeyCodec[K comparable] struct {
	Format func(K) string
	Parse  func(string) (K, error)
}

// StringKeys 字符串 key
var StringKeys = KeyCodec[string]{
	Format: func(k string) string { return k },
	Parse:  func(s string) (string, error) { return s, nil },
}

// Int32Keys 十进制 int32 key
var Int32Keys = KeyCodec[int32]{
	Format: func(k int32) string { return strconv.FormatInt(int64(k), 10) },
	Parse: func(s string) (int32, error) {
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid int32 key %q: %w", s, err)
		}
		return int32(n), nil
	},
}

// TopicType 已注册的数据类型：类型名、实例 key 提取函数和 key 编解码
type TopicType[T any, K comparable] struct {
	Name  string
	KeyOf func(T) K
	Keys  KeyCodec[K]
}

func (tt TopicType[T, K]) encode(v T) ([]byte, error) {
	return json.Marshal(v)
}

func (tt TopicType[T, K]) decode(payload []byte) (T, error) {
	var v T
	err := json.Unmarshal(payload, &v)
	return v, err
}

// Topic 通信器内注册的 topic，按 (类型, 名称) 唯一
type Topic struct {
	Name     string
	TypeName string
}

package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// SchemaVersion 当前内容编码的 schema 版本。update 帧里的版本号不一致时拒绝合并。
const SchemaVersion = 1

// OpID 全局唯一的操作标识：逻辑时钟 + 产生该操作的 peer。
type OpID struct {
	Clock uint64 `json:"clock"`
	Peer  string `json:"peer"`
}

func (id OpID) Key() string {
	return strconv.FormatUint(id.Clock, 10) + "@" + id.Peer
}

// Op 序列中的一个字符插入操作。
// Position 是可排序的位置路径（Logoot 风格），决定字符在文档中的顺序；
// 并发插入同一位置时用 ID 做确定性决胜。
type Op struct {
	ID       OpID   `json:"id"`
	Value    string `json:"value"`
	Position []int  `json:"position"`
}

// envelope 编码状态与 update 帧共用同一结构：
// 一个 update 就是一份“部分文档”，合并即按 key 取并集。
type envelope struct {
	Schema int             `json:"schema"`
	Ops    map[string]Op   `json:"ops"`
	Dead   map[string]bool `json:"dead,omitempty"`
}

// OpSet 默认的 ContentType 实现：集合并 CRDT。
// - 插入：以 OpID 为 key 放进 Ops；同一 key 永远对应同一内容
// - 删除：墓碑进 Dead（delete-wins，墓碑不回收）
// 并集运算天然满足交换律、结合律、幂等性。
type OpSet struct{}

func NewOpSet() OpSet { return OpSet{} }

func (OpSet) Seed() []byte {
	b, _ := json.Marshal(envelope{Schema: SchemaVersion, Ops: map[string]Op{}})
	return b
}

func (OpSet) Apply(state, update []byte) ([]byte, error) {
	var doc envelope
	if err := json.Unmarshal(state, &doc); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	var frag envelope
	if err := json.Unmarshal(update, &frag); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadUpdate, err)
	}
	if frag.Schema != doc.Schema {
		return nil, fmt.Errorf("%w: schema %d, want %d", ErrBadUpdate, frag.Schema, doc.Schema)
	}
	if doc.Ops == nil {
		doc.Ops = map[string]Op{}
	}
	for k, op := range frag.Ops {
		if op.ID.Key() != k || op.ID.Peer == "" || len(op.Position) == 0 {
			return nil, fmt.Errorf("%w: malformed op %q", ErrBadUpdate, k)
		}
		doc.Ops[k] = op
	}
	if len(frag.Dead) > 0 && doc.Dead == nil {
		doc.Dead = map[string]bool{}
	}
	for k := range frag.Dead {
		doc.Dead[k] = true
	}
	// encoding/json 对 map 按 key 排序输出，编码结果是确定性的
	return json.Marshal(doc)
}

func (OpSet) Size(state []byte) int { return len(state) }

func (OpSet) Schema() int { return SchemaVersion }

// Render 把编码状态解码为纯文本，按位置路径排序、跳过墓碑。
// 引擎本身不调用；给测试和调试工具用。
func Render(state []byte) (string, error) {
	var doc envelope
	if err := json.Unmarshal(state, &doc); err != nil {
		return "", fmt.Errorf("decode state: %w", err)
	}
	ops := make([]Op, 0, len(doc.Ops))
	for k, op := range doc.Ops {
		if doc.Dead[k] {
			continue
		}
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		if c := comparePositions(ops[i].Position, ops[j].Position); c != 0 {
			return c < 0
		}
		if ops[i].ID.Clock != ops[j].ID.Clock {
			return ops[i].ID.Clock < ops[j].ID.Clock
		}
		return ops[i].ID.Peer < ops[j].ID.Peer
	})
	var sb strings.Builder
	for _, op := range ops {
		sb.WriteString(op.Value)
	}
	return sb.String(), nil
}

func comparePositions(a, b []int) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}

// BuildUpdate 构造一个 update 帧（插入若干 op、墓碑若干 id）。
func BuildUpdate(ops []Op, dead []OpID) []byte {
	frag := envelope{Schema: SchemaVersion, Ops: map[string]Op{}}
	for _, op := range ops {
		frag.Ops[op.ID.Key()] = op
	}
	if len(dead) > 0 {
		frag.Dead = map[string]bool{}
		for _, id := range dead {
			frag.Dead[id.Key()] = true
		}
	}
	b, _ := json.Marshal(frag)
	return b
}

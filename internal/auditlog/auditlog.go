// Package auditlog 提供 append-only 的审计日志。
//
// 订单生命周期、资金阶段转换、告警等事件落到本地 badger 存储，
// 键按单调递增序号编码，Replay 按写入顺序回放。事件只追加，
// 永不修改或删除。
package auditlog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/tradebot/golive/pkg/logger"
)

// Event 一条审计事件
type Event struct {
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      string          `json:"kind"` // order / transition / alert / gate
	Payload   json.RawMessage `json:"payload"`
}

// 事件类别
const (
	KindOrder      = "order"
	KindTransition = "transition"
	KindAlert      = "alert"
	KindGate       = "gate"
)

// Log badger 封装的 append-only 审计日志
type Log struct {
	db  *badger.DB
	mu  sync.Mutex
	seq uint64
}

// Open 打开（或创建）审计日志。dir 为空时使用内存模式（测试用）。
func Open(dir string) (*Log, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	l := &Log{db: db}
	if err := l.loadSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// loadSeq 恢复最大序号（重启续写）
func (l *Log) loadSeq() error {
	return l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// 反向迭代，第一个键即最大序号
		it.Seek([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
		if it.Valid() {
			l.seq = binary.BigEndian.Uint64(it.Item().Key())
		}
		return nil
	})
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// Append 追加一条事件，返回分配的序号
func (l *Log) Append(kind string, payload any) (uint64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal audit payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	ev := Event{
		Seq:       l.seq,
		Timestamp: time.Now(),
		Kind:      kind,
		Payload:   raw,
	}
	data, err := json.Marshal(&ev)
	if err != nil {
		return 0, err
	}

	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(seqKey(ev.Seq), data)
	})
	if err != nil {
		l.seq--
		return 0, fmt.Errorf("append audit event: %w", err)
	}
	return ev.Seq, nil
}

// MustAppend 审计失败只记日志不阻断交易路径
func (l *Log) MustAppend(kind string, payload any) {
	if _, err := l.Append(kind, payload); err != nil {
		logger.Errorf("audit append failed (kind=%s): %v", kind, err)
	}
}

// Replay 按写入顺序回放所有事件。fn 返回 false 时提前终止。
func (l *Log) Replay(fn func(ev Event) bool) error {
	return l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var ev Event
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ev)
			})
			if err != nil {
				return err
			}
			if !fn(ev) {
				return nil
			}
		}
		return nil
	})
}

// ReplayKind 只回放某一类事件
func (l *Log) ReplayKind(kind string, fn func(ev Event) bool) error {
	return l.Replay(func(ev Event) bool {
		if ev.Kind != kind {
			return true
		}
		return fn(ev)
	})
}

// Count 事件总数
func (l *Log) Count() (int, error) {
	n := 0
	err := l.Replay(func(Event) bool {
		n++
		return true
	})
	return n, err
}

// Close 关闭底层存储
func (l *Log) Close() error {
	return l.db.Close()
}

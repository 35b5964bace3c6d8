/**
 * 热存储:Redis实现
 * @author: sun977
 * @date: 2025.10.25
 * @description: 每个Agent一个有序集合，score 为 seq，member 为 CBOR 编码的样本，适合多实例部署
 *               另有一个按接收时间排序的集合，超过热窗口或容量的样本在写入时淘汰
 * @func: Append/Range/Latest/Trim/Agents/Len/NextSeq
 */
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-redis/redis/v8"

	"agentmonitor/internal/model/metrics"
	"agentmonitor/internal/pkg/clock"
)

// DefaultKeyPrefix 未配置前缀时使用
const DefaultKeyPrefix = "agentmon:"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	// 默认时间编码为秒级整数，会丢失精度
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("redis hot store: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("redis hot store: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeSample 样本编码
func EncodeSample(s *metrics.MetricSample) ([]byte, error) {
	return encMode.Marshal(s)
}

// DecodeSample 样本解码
func DecodeSample(data []byte) (*metrics.MetricSample, error) {
	var s metrics.MetricSample
	if err := decMode.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// HotStore Redis热存储
type HotStore struct {
	client   *redis.Client
	prefix   string
	capacity int
	window   time.Duration
	clock    clock.Clock
}

// NewHotStore 创建Redis热存储
func NewHotStore(client *redis.Client, prefix string, capacity int, window time.Duration, clk clock.Clock) *HotStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &HotStore{client: client, prefix: prefix, capacity: capacity, window: window, clock: clk}
}

// 键:
//
//	{prefix}hot:{agent_id}      样本有序集合
//	{prefix}recv:{agent_id}     接收时间有序集合，score 为毫秒时间戳，member 为 seq
//	{prefix}seq:{agent_id}      seq 计数器
//	{prefix}flushed:{agent_id}  已持久化的 seq
//	{prefix}hot:agents          有缓冲数据的Agent集合
func (h *HotStore) samplesKey(agentID string) string { return h.prefix + "hot:" + agentID }
func (h *HotStore) recvKey(agentID string) string    { return h.prefix + "recv:" + agentID }
func (h *HotStore) seqKey(agentID string) string     { return h.prefix + "seq:" + agentID }
func (h *HotStore) flushedKey(agentID string) string { return h.prefix + "flushed:" + agentID }
func (h *HotStore) agentsKey() string                { return h.prefix + "hot:agents" }

// NextSeq 基于 INCR 分配 seq，多实例共享
func (h *HotStore) NextSeq(ctx context.Context, agentID string, floor uint64) (uint64, error) {
	seq, err := h.client.Incr(ctx, h.seqKey(agentID)).Uint64()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate seq: %w", err)
	}
	if seq > floor {
		return seq, nil
	}
	// 计数器丢失(Redis 清空)时从温存储水位继续
	next := floor + 1
	if err := h.client.Set(ctx, h.seqKey(agentID), next, 0).Err(); err != nil {
		return 0, fmt.Errorf("failed to reset seq: %w", err)
	}
	return next, nil
}

func (h *HotStore) flushedSeq(ctx context.Context, agentID string) (uint64, error) {
	v, err := h.client.Get(ctx, h.flushedKey(agentID)).Uint64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

// Append 写入样本，返回被淘汰的未持久化样本数
// 先按容量裁剪最旧的样本，再淘汰接收时间早于 now-window 的样本
func (h *HotStore) Append(ctx context.Context, sample *metrics.MetricSample) (int, error) {
	data, err := EncodeSample(sample)
	if err != nil {
		return 0, fmt.Errorf("failed to encode sample: %w", err)
	}

	key := h.samplesKey(sample.AgentID)
	recvKey := h.recvKey(sample.AgentID)
	now := h.clock.Now()
	seqMember := strconv.FormatUint(sample.Seq, 10)
	var card *redis.IntCmd
	_, err = h.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		// 同 seq 重复写入时先移除旧成员
		pipe.ZRemRangeByScore(ctx, key, seqMember, seqMember)
		pipe.ZAdd(ctx, key, &redis.Z{Score: float64(sample.Seq), Member: data})
		pipe.ZAdd(ctx, recvKey, &redis.Z{Score: float64(now.UnixMilli()), Member: seqMember})
		pipe.SAdd(ctx, h.agentsKey(), sample.AgentID)
		if h.window > 0 {
			// 整个Agent停止上报后键自然过期
			pipe.Expire(ctx, key, h.window)
			pipe.Expire(ctx, recvKey, h.window)
		}
		card = pipe.ZCard(ctx, key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to append sample: %w", err)
	}

	var evicted []uint64
	if over := int(card.Val()) - h.capacity; h.capacity > 0 && over > 0 {
		oldest, err := h.client.ZRangeWithScores(ctx, key, 0, int64(over-1)).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to read evicted samples: %w", err)
		}
		for _, z := range oldest {
			evicted = append(evicted, uint64(z.Score))
		}
	}
	if h.window > 0 {
		cutoff := strconv.FormatInt(now.Add(-h.window).UnixMilli(), 10)
		expired, err := h.client.ZRangeByScore(ctx, recvKey, &redis.ZRangeBy{Min: "-inf", Max: "(" + cutoff}).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to read expired samples: %w", err)
		}
		for _, m := range expired {
			seq, err := strconv.ParseUint(m, 10, 64)
			if err != nil {
				continue
			}
			evicted = append(evicted, seq)
		}
	}
	if len(evicted) == 0 {
		return 0, nil
	}
	return h.evict(ctx, sample.AgentID, evicted)
}

// evict 删除给定 seq 的样本，返回其中尚未持久化的数量
func (h *HotStore) evict(ctx context.Context, agentID string, seqs []uint64) (int, error) {
	key := h.samplesKey(agentID)
	recvKey := h.recvKey(agentID)
	unique := make(map[uint64]struct{}, len(seqs))
	members := make([]interface{}, 0, len(seqs))
	_, err := h.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, seq := range seqs {
			if _, ok := unique[seq]; ok {
				continue
			}
			unique[seq] = struct{}{}
			score := strconv.FormatUint(seq, 10)
			pipe.ZRemRangeByScore(ctx, key, score, score)
			members = append(members, score)
		}
		pipe.ZRem(ctx, recvKey, members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to trim hot buffer: %w", err)
	}

	flushed, err := h.flushedSeq(ctx, agentID)
	if err != nil {
		return 0, fmt.Errorf("failed to read flushed seq: %w", err)
	}
	shed := 0
	for seq := range unique {
		if seq > flushed {
			shed++
		}
	}
	return shed, nil
}

func decodeMembers(members []string) ([]*metrics.MetricSample, error) {
	out := make([]*metrics.MetricSample, 0, len(members))
	for _, m := range members {
		s, err := DecodeSample([]byte(m))
		if err != nil {
			return nil, fmt.Errorf("failed to decode sample: %w", err)
		}
		out = append(out, s)
	}
	return out, nil
}

// Range 返回 seq > afterSeq 的样本(按 seq 升序)
func (h *HotStore) Range(ctx context.Context, agentID string, afterSeq uint64, limit int) ([]*metrics.MetricSample, error) {
	by := &redis.ZRangeBy{
		Min: "(" + strconv.FormatUint(afterSeq, 10),
		Max: "+inf",
	}
	if limit > 0 {
		by.Count = int64(limit)
	}
	members, err := h.client.ZRangeByScore(ctx, h.samplesKey(agentID), by).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to range hot samples: %w", err)
	}
	return decodeMembers(members)
}

// Latest 返回最近 n 个样本(新的在前)
func (h *HotStore) Latest(ctx context.Context, agentID string, n int) ([]*metrics.MetricSample, error) {
	if n <= 0 {
		return nil, nil
	}
	members, err := h.client.ZRevRange(ctx, h.samplesKey(agentID), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read latest samples: %w", err)
	}
	return decodeMembers(members)
}

// Trim 记录已持久化的 seq，只向前推进
func (h *HotStore) Trim(ctx context.Context, agentID string, upToSeq uint64) error {
	current, err := h.flushedSeq(ctx, agentID)
	if err != nil {
		return fmt.Errorf("failed to read flushed seq: %w", err)
	}
	if upToSeq <= current {
		return nil
	}
	if err := h.client.Set(ctx, h.flushedKey(agentID), upToSeq, 0).Err(); err != nil {
		return fmt.Errorf("failed to store flushed seq: %w", err)
	}
	return nil
}

// Agents 有缓冲数据的Agent列表
func (h *HotStore) Agents(ctx context.Context) ([]string, error) {
	agents, err := h.client.SMembers(ctx, h.agentsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list hot agents: %w", err)
	}
	return agents, nil
}

// Len 某Agent缓冲中的样本数
func (h *HotStore) Len(ctx context.Context, agentID string) (int, error) {
	n, err := h.client.ZCard(ctx, h.samplesKey(agentID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count hot samples: %w", err)
	}
	return int(n), nil
}

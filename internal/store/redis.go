package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/devbox-orchestrator/pkg/models"
)

const (
	// PoolKey 按负载分数排序的工作机集合
	PoolKey = "instancePool"

	instanceKeyPrefix = "instance:"
	userKeyPrefix     = "user:"

	fieldIP      = "ip"
	fieldCount   = "count"
	fieldMetric  = "metric"
	fieldClaimed = "claimed"

	// absentMetric 表示没有CPU数据
	absentMetric = "-1"

	// DefaultEntryTTL 摘要记录的默认过期时间
	DefaultEntryTTL = 5 * time.Minute
)

// ClaimResult 一次原子预留的结果
type ClaimResult int

const (
	// ClaimOK 预留成功
	ClaimOK ClaimResult = iota
	// ClaimStale 摘要记录已过期
	ClaimStale
	// ClaimFull 工作机已满
	ClaimFull
)

func (r ClaimResult) String() string {
	switch r {
	case ClaimOK:
		return "ok"
	case ClaimStale:
		return "stale"
	case ClaimFull:
		return "full"
	default:
		return "unknown"
	}
}

// claimScript 检查容量并预留一个槽位，返回 {code, HGETALL}：1=成功 0=已满 -1=记录不存在。
// 预留和读取在同一个脚本里完成，调用方不需要第二次读取。
var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {-1, {}}
end
local count = tonumber(redis.call('HGET', KEYS[1], 'count')) or 0
local claimed = tonumber(redis.call('HGET', KEYS[1], 'claimed')) or 0
if count + claimed >= tonumber(ARGV[1]) then
  return {0, redis.call('HGETALL', KEYS[1])}
end
redis.call('HINCRBY', KEYS[1], 'claimed', 1)
return {1, redis.call('HGETALL', KEYS[1])}
`)

// releaseScript 撤销一次预留，不会低于0，也不会重建已过期的记录
var releaseScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
local claimed = tonumber(redis.call('HGET', KEYS[1], 'claimed')) or 0
if claimed <= 0 then
  return 0
end
redis.call('HINCRBY', KEYS[1], 'claimed', -1)
return 1
`)

// pruneScript 删除摘要哈希已不存在的排名成员，返回被删除的ID。
// 检查和删除在同一个脚本里完成，不会删掉并发发布刚写入的成员。
var pruneScript = redis.NewScript(`
local removed = {}
for _, id in ipairs(redis.call('ZRANGE', KEYS[1], 0, -1)) do
  if redis.call('EXISTS', ARGV[1] .. id) == 0 then
    redis.call('ZREM', KEYS[1], id)
    table.insert(removed, id)
  end
end
return removed
`)

// Options Redis存储配置
type Options struct {
	Addr           string
	Password       string
	DB             int
	DialTimeout    time.Duration
	ConnectRetries uint64
	EntryTTL       time.Duration
	Logger         *logrus.Logger
}

// RedisStore 共享排名存储：有序集合 + 摘要哈希 + 粘性用户映射
type RedisStore struct {
	client   redis.UniversalClient
	entryTTL time.Duration
	logger   *logrus.Logger
}

// Connect 连接Redis，启动时按指数退避重试 Ping
func Connect(ctx context.Context, opts Options) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})

	s := New(client, opts)

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), opts.ConnectRetries), ctx)
	err := backoff.RetryNotify(func() error {
		return client.Ping(ctx).Err()
	}, policy, func(err error, wait time.Duration) {
		s.logger.Warnf("Redis %s not reachable, retrying in %s: %v", opts.Addr, wait, err)
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis %s: %w", opts.Addr, err)
	}

	s.logger.Infof("Connected to redis at %s", opts.Addr)
	return s, nil
}

// New 使用已有客户端创建存储
func New(client redis.UniversalClient, opts Options) *RedisStore {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}

	ttl := opts.EntryTTL
	if ttl <= 0 {
		ttl = DefaultEntryTTL
	}

	return &RedisStore{
		client:   client,
		entryTTL: ttl,
		logger:   logger,
	}
}

// Close 关闭连接
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Publish 在一个 MULTI/EXEC 事务中写入本周期所有工作机的分数和摘要，
// 读者不会看到同一周期的半更新状态。每次发布会把 claimed 归零。
func (s *RedisStore) Publish(ctx context.Context, loads []models.WorkerLoad) error {
	if len(loads) == 0 {
		return nil
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, load := range loads {
			key := instanceKey(load.Worker.ID)
			pipe.HSet(ctx, key,
				fieldIP, load.Worker.Address,
				fieldCount, strconv.Itoa(load.ContainerCount),
				fieldMetric, encodeMetric(load.CPUPercent),
				fieldClaimed, "0",
			)
			pipe.Expire(ctx, key, s.entryTTL)
			pipe.ZAdd(ctx, PoolKey, redis.Z{Score: load.Score, Member: load.Worker.ID})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish %d workers: %w", len(loads), err)
	}
	return nil
}

// Prune 删除摘要已过期的有序集合成员，使排名和摘要一起过期
func (s *RedisStore) Prune(ctx context.Context) ([]string, error) {
	stale, err := pruneScript.Run(ctx, s.client, []string{PoolKey}, instanceKeyPrefix).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to prune ranking: %w", err)
	}
	if len(stale) == 0 {
		return nil, nil
	}

	s.logger.WithField("workers", stale).Info("Pruned ranking entries without summary")
	return stale, nil
}

// Ranked 读取排名中 [offset, offset+count) 的工作机ID，分数从低到高
func (s *RedisStore) Ranked(ctx context.Context, offset, count int) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}
	ids, err := s.client.ZRange(ctx, PoolKey, int64(offset), int64(offset+count-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read ranking: %w", err)
	}
	return ids, nil
}

// Summary 读取工作机摘要，不存在时返回 (nil, false, nil)
func (s *RedisStore) Summary(ctx context.Context, workerID string) (*models.WorkerSummary, bool, error) {
	fields, err := s.client.HGetAll(ctx, instanceKey(workerID)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read summary of %s: %w", workerID, err)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}

	summary, err := decodeSummary(workerID, fields)
	if err != nil {
		return nil, false, err
	}
	return summary, true, nil
}

// Claim 原子地检查容量并预留一个槽位。摘要无法解析时撤销预留并按过期记录处理，
// 只拒绝这一个候选。
func (s *RedisStore) Claim(ctx context.Context, workerID string, capacity int) (ClaimResult, *models.WorkerSummary, error) {
	reply, err := claimScript.Run(ctx, s.client, []string{instanceKey(workerID)}, capacity).Slice()
	if err != nil {
		return ClaimStale, nil, fmt.Errorf("failed to claim %s: %w", workerID, err)
	}
	code, fields, err := parseClaimReply(reply)
	if err != nil {
		return ClaimStale, nil, fmt.Errorf("failed to claim %s: %w", workerID, err)
	}

	switch code {
	case -1:
		return ClaimStale, nil, nil
	case 0:
		summary, err := decodeSummary(workerID, fields)
		if err != nil {
			s.logger.Warnf("Ignoring malformed summary of %s: %v", workerID, err)
			return ClaimFull, nil, nil
		}
		return ClaimFull, summary, nil
	}

	summary, err := decodeSummary(workerID, fields)
	if err != nil {
		s.logger.Warnf("Rejecting worker %s with malformed summary: %v", workerID, err)
		if err := s.Release(context.WithoutCancel(ctx), workerID); err != nil {
			s.logger.Warnf("Failed to undo claim on %s: %v", workerID, err)
		}
		return ClaimStale, nil, nil
	}
	return ClaimOK, summary, nil
}

// parseClaimReply 解析 claimScript 的 {code, {field, value, ...}} 回复
func parseClaimReply(reply []interface{}) (int64, map[string]string, error) {
	if len(reply) != 2 {
		return 0, nil, fmt.Errorf("unexpected claim reply %v", reply)
	}
	code, ok := reply[0].(int64)
	if !ok {
		return 0, nil, fmt.Errorf("unexpected claim code %v", reply[0])
	}
	flat, _ := reply[1].([]interface{})
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		fields[fmt.Sprint(flat[i])] = fmt.Sprint(flat[i+1])
	}
	return code, fields, nil
}

// Release 撤销一次预留
func (s *RedisStore) Release(ctx context.Context, workerID string) error {
	if err := releaseScript.Run(ctx, s.client, []string{instanceKey(workerID)}).Err(); err != nil {
		return fmt.Errorf("failed to release claim on %s: %w", workerID, err)
	}
	return nil
}

// Assignment 读取用户的粘性服务URL
func (s *RedisStore) Assignment(ctx context.Context, userID string) (string, bool, error) {
	url, err := s.client.Get(ctx, userKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read assignment of %s: %w", userID, err)
	}
	return url, true, nil
}

// SetAssignment 持久化用户的服务URL，不设置过期
func (s *RedisStore) SetAssignment(ctx context.Context, userID, serviceURL string) error {
	if err := s.client.Set(ctx, userKey(userID), serviceURL, 0).Err(); err != nil {
		return fmt.Errorf("failed to persist assignment of %s: %w", userID, err)
	}
	return nil
}

// Snapshot 读取完整排名及摘要
func (s *RedisStore) Snapshot(ctx context.Context) (*models.FleetSnapshot, error) {
	ranked, err := s.client.ZRangeWithScores(ctx, PoolKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read ranking: %w", err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(ranked))
	if len(ranked) > 0 {
		_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, z := range ranked {
				cmds[i] = pipe.HGetAll(ctx, instanceKey(memberID(z)))
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to read summaries: %w", err)
		}
	}

	snapshot := &models.FleetSnapshot{
		Timestamp: time.Now().UTC(),
		Workers:   make([]models.RankedWorker, 0, len(ranked)),
	}
	for i, z := range ranked {
		id := memberID(z)
		entry := models.RankedWorker{WorkerID: id, Score: z.Score}

		fields := cmds[i].Val()
		if len(fields) == 0 {
			entry.Stale = true
		} else if summary, err := decodeSummary(id, fields); err != nil {
			s.logger.Warnf("Ignoring malformed summary of %s: %v", id, err)
			entry.Stale = true
		} else {
			entry.Summary = summary
		}
		snapshot.Workers = append(snapshot.Workers, entry)
	}

	return snapshot, nil
}

func instanceKey(workerID string) string {
	return instanceKeyPrefix + workerID
}

func userKey(userID string) string {
	return userKeyPrefix + userID
}

func memberID(z redis.Z) string {
	if s, ok := z.Member.(string); ok {
		return s
	}
	return fmt.Sprint(z.Member)
}

func encodeMetric(cpu *float64) string {
	if cpu == nil {
		return absentMetric
	}
	return strconv.FormatFloat(*cpu, 'f', -1, 64)
}

func decodeSummary(workerID string, fields map[string]string) (*models.WorkerSummary, error) {
	summary := &models.WorkerSummary{
		WorkerID: workerID,
		IP:       fields[fieldIP],
	}

	count, err := strconv.Atoi(fields[fieldCount])
	if err != nil {
		return nil, fmt.Errorf("malformed count %q for %s: %w", fields[fieldCount], workerID, err)
	}
	summary.ContainerCount = count

	if raw, ok := fields[fieldMetric]; ok && raw != "" && raw != absentMetric {
		metric, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed metric %q for %s: %w", raw, workerID, err)
		}
		summary.CPUPercent = &metric
	}

	if raw, ok := fields[fieldClaimed]; ok && raw != "" {
		claimed, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("malformed claimed %q for %s: %w", raw, workerID, err)
		}
		summary.Claimed = claimed
	}

	return summary, nil
}

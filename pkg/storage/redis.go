package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meftunca/indexsync/pkg/config"
	"github.com/meftunca/indexsync/pkg/types"
)

// advanceScript stores max(current, ARGV[2]) in hash KEYS[1] field ARGV[1].
var advanceScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if (not cur) or tonumber(cur) < tonumber(ARGV[2]) then
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
	return 1
end
return 0
`)

// NewRedisClient builds a client from the storage section of the config
func NewRedisClient(cfg config.StorageConfig) redis.UniversalClient {
	addresses := cfg.Redis.Addresses
	if len(addresses) == 0 {
		addresses = []string{"localhost:6379"}
	}

	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addresses,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})
}

// RedisStore implements Store on Redis / Dragonfly
type RedisStore struct {
	client redis.UniversalClient

	sequencePrefix string
	logSequenceKey string
	recordPrefix   string
	logIndexKey    string
	counterPrefix  string
}

// NewRedisStore wraps client; keys are namespaced by keyPrefix
func NewRedisStore(ctx context.Context, client redis.UniversalClient, keyPrefix string) (*RedisStore, error) {
	if keyPrefix == "" {
		keyPrefix = "indexsync"
	}

	store := &RedisStore{
		client:         client,
		sequencePrefix: fmt.Sprintf("%s:seq:", keyPrefix),
		logSequenceKey: fmt.Sprintf("%s:oplog:seq", keyPrefix),
		recordPrefix:   fmt.Sprintf("%s:oplog:rec:", keyPrefix),
		logIndexKey:    fmt.Sprintf("%s:oplog:ids", keyPrefix),
		counterPrefix:  fmt.Sprintf("%s:counter:", keyPrefix),
	}

	if err := store.Ping(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (r *RedisStore) recordKey(id int64) string {
	return r.recordPrefix + strconv.FormatInt(id, 10)
}

func (r *RedisStore) Append(ctx context.Context, record *types.IndexOperationRecord) (int64, error) {
	if err := record.Validate(); err != nil {
		return 0, err
	}

	id, err := r.client.Incr(ctx, r.logSequenceKey).Result()
	if err != nil {
		return 0, types.ErrStoreUnavailableCause("append", err)
	}

	indexTime := record.IndexTime
	if indexTime.IsZero() {
		indexTime = time.Now()
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.recordKey(id), map[string]interface{}{
			"id":             id,
			"nodeId":         record.NodeID,
			"indexTime":      indexTime.UTC().Format(time.RFC3339Nano),
			"affectedIndex":  record.AffectedIndex.String(),
			"entityType":     record.EntityType.String(),
			"operation":      record.Operation.String(),
			"affectedIds":    types.FormatAffectedIDs(record.AffectedIDs),
			"backupFilename": record.BackupFilename,
		})
		pipe.ZAdd(ctx, r.logIndexKey, redis.Z{Score: float64(id), Member: id})
		return nil
	})
	if err != nil {
		// The id is burnt; Contains(id) stays false and exposes the gap.
		return 0, types.ErrStoreUnavailableCause("append", err)
	}

	record.ID = id
	return id, nil
}

func (r *RedisStore) Contains(ctx context.Context, id int64) (bool, error) {
	n, err := r.client.Exists(ctx, r.recordKey(id)).Result()
	if err != nil {
		return false, types.ErrStoreUnavailableCause("contains", err)
	}
	return n == 1, nil
}

func (r *RedisStore) Find(ctx context.Context, fromID int64, limit int) ([]*types.IndexOperationRecord, error) {
	rangeBy := &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(fromID, 10),
		Max: "+inf",
	}
	if limit > 0 {
		rangeBy.Count = int64(limit)
	}

	members, err := r.client.ZRangeByScore(ctx, r.logIndexKey, rangeBy).Result()
	if err != nil {
		return nil, types.ErrStoreUnavailableCause("find", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(members))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, m := range members {
			cmds[i] = pipe.HGetAll(ctx, r.recordPrefix+m)
		}
		return nil
	})
	if err != nil {
		return nil, types.ErrStoreUnavailableCause("find", err)
	}

	records := make([]*types.IndexOperationRecord, 0, len(cmds))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := decodeRedisRecord(fields)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (r *RedisStore) LastID(ctx context.Context) (int64, error) {
	res, err := r.client.ZRevRangeWithScores(ctx, r.logIndexKey, 0, 0).Result()
	if err != nil {
		return 0, types.ErrStoreUnavailableCause("last id", err)
	}
	if len(res) == 0 {
		return 0, nil
	}
	return int64(res[0].Score), nil
}

func (r *RedisStore) Get(ctx context.Context, observer, source string) (int64, bool, error) {
	v, err := r.client.HGet(ctx, r.counterPrefix+observer, source).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, types.ErrStoreUnavailableCause("get counter", err)
	}
	return v, true, nil
}

func (r *RedisStore) Advance(ctx context.Context, observer, source string, value int64) error {
	err := advanceScript.Run(ctx, r.client, []string{r.counterPrefix + observer}, source, value).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return types.ErrStoreUnavailableCause("advance counter", err)
	}
	return nil
}

func (r *RedisStore) Reset(ctx context.Context, observer, source string, value int64) error {
	if err := r.client.HSet(ctx, r.counterPrefix+observer, source, value).Err(); err != nil {
		return types.ErrStoreUnavailableCause("reset counter", err)
	}
	return nil
}

func (r *RedisStore) List(ctx context.Context, observer string) (map[string]int64, error) {
	fields, err := r.client.HGetAll(ctx, r.counterPrefix+observer).Result()
	if err != nil {
		return nil, types.ErrStoreUnavailableCause("list counters", err)
	}
	result := make(map[string]int64, len(fields))
	for source, raw := range fields {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, types.ErrInvalidRecord(fmt.Sprintf("bad counter value %q for %s", raw, source))
		}
		result[source] = v
	}
	return result, nil
}

func (r *RedisStore) NextID(ctx context.Context, name string) (int64, error) {
	id, err := r.client.Incr(ctx, r.sequencePrefix+name).Result()
	if err != nil {
		return 0, types.ErrStoreUnavailableCause("next id", err)
	}
	return id, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return types.ErrStoreUnavailableCause("ping", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func decodeRedisRecord(fields map[string]string) (*types.IndexOperationRecord, error) {
	id, err := strconv.ParseInt(fields["id"], 10, 64)
	if err != nil {
		return nil, types.ErrInvalidRecord(fmt.Sprintf("bad id %q", fields["id"]))
	}
	indexTime, err := time.Parse(time.RFC3339Nano, fields["indexTime"])
	if err != nil {
		return nil, types.ErrInvalidRecord(fmt.Sprintf("bad index time %q", fields["indexTime"]))
	}

	rec := &types.IndexOperationRecord{
		ID:             id,
		NodeID:         fields["nodeId"],
		IndexTime:      indexTime,
		BackupFilename: fields["backupFilename"],
	}
	if err := decodeRecordFields(rec, fields["affectedIndex"], fields["entityType"], fields["operation"], fields["affectedIds"]); err != nil {
		return nil, err
	}
	return rec, nil
}

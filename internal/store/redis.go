package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"anomaly-monitor/internal/models"

	"github.com/go-redis/redis/v8"
)

const (
	activeAnomaliesKey   = "anomalies:active"
	resolvedAnomaliesKey = "anomalies:resolved"
	incidentsKey         = "incidents"
	incidentTimelineKey  = "incidents:timeline"
	recentTelemetryKey   = "telemetry:recent"
	telemetrySeqKey      = "telemetry:seq"

	telemetryTTL = time.Hour
	maxTxRetries = 3
)

func activeByDeviceKey(deviceID string) string   { return "anomalies:active:device:" + deviceID }
func resolvedByDeviceKey(deviceID string) string { return "anomalies:resolved:device:" + deviceID }
func incidentsByDeviceKey(deviceID string) string {
	return "incidents:device:" + deviceID
}

type RedisOptions struct {
	Addr             string
	Password         string
	DB               int
	PoolSize         int
	MinIdleConns     int
	MaxRetries       int
	TelemetryHistory int
}

// RedisStore keeps each logical collection as a hash of JSON documents keyed
// by id, with per-device sets (anomalies) and sorted sets (incidents, scored
// by timestamp in milliseconds) as secondary indexes.
type RedisStore struct {
	client  *redis.Client
	history int64
}

func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		MaxRetries:   opts.MaxRetries,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}

	history := int64(opts.TelemetryHistory)
	if history <= 0 {
		history = defaultTelemetryHistory
	}

	return &RedisStore{client: client, history: history}, nil
}

func (r *RedisStore) InsertAnomaly(ctx context.Context, a models.Anomaly) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal anomaly: %w", err)
	}

	var created *redis.BoolCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		created = pipe.HSetNX(ctx, activeAnomaliesKey, a.ID, data)
		pipe.SAdd(ctx, activeByDeviceKey(a.DeviceID), a.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store anomaly in Redis: %w", err)
	}
	if !created.Val() {
		return fmt.Errorf("anomaly %s: %w", a.ID, ErrDuplicate)
	}
	return nil
}

func (r *RedisStore) GetAnomaly(ctx context.Context, id string) (models.Anomaly, error) {
	return r.getAnomaly(ctx, activeAnomaliesKey, id)
}

func (r *RedisStore) GetResolvedAnomaly(ctx context.Context, id string) (models.Anomaly, error) {
	return r.getAnomaly(ctx, resolvedAnomaliesKey, id)
}

func (r *RedisStore) getAnomaly(ctx context.Context, key, id string) (models.Anomaly, error) {
	a, _, err := r.getAnomalyDoc(ctx, key, id)
	return a, err
}

func (r *RedisStore) getAnomalyDoc(ctx context.Context, key, id string) (models.Anomaly, string, error) {
	data, err := r.client.HGet(ctx, key, id).Result()
	if errors.Is(err, redis.Nil) {
		return models.Anomaly{}, "", fmt.Errorf("anomaly %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Anomaly{}, "", fmt.Errorf("failed to get anomaly from Redis: %w", err)
	}

	var a models.Anomaly
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return models.Anomaly{}, "", fmt.Errorf("failed to unmarshal anomaly %s: %w", id, err)
	}
	return a, data, nil
}

// resolveScript moves an anomaly from the active hash to the archive if the
// active document is still the one the caller read.
// KEYS: active hash, resolved hash, active device set, resolved device set.
// ARGV: id, expected active document, resolved document.
var resolveScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call("HDEL", KEYS[1], ARGV[1])
redis.call("HSET", KEYS[2], ARGV[1], ARGV[3])
redis.call("SREM", KEYS[3], ARGV[1])
redis.call("SADD", KEYS[4], ARGV[1])
return 1
`)

// ResolveAnomaly archives the anomaly in a single script run, so it is
// either still active or archived, and only one caller can claim it.
func (r *RedisStore) ResolveAnomaly(ctx context.Context, id string, at time.Time) (models.Anomaly, error) {
	a, current, err := r.getAnomalyDoc(ctx, activeAnomaliesKey, id)
	if err != nil {
		return models.Anomaly{}, err
	}

	a.Status = models.AnomalyResolved
	a.ResolvedAt = &at

	data, err := json.Marshal(a)
	if err != nil {
		return models.Anomaly{}, fmt.Errorf("failed to marshal anomaly: %w", err)
	}

	keys := []string{
		activeAnomaliesKey,
		resolvedAnomaliesKey,
		activeByDeviceKey(a.DeviceID),
		resolvedByDeviceKey(a.DeviceID),
	}
	moved, err := resolveScript.Run(ctx, r.client, keys, id, current, string(data)).Int()
	if err != nil {
		return models.Anomaly{}, fmt.Errorf("failed to archive anomaly %s: %w", id, err)
	}
	if moved == 0 {
		return models.Anomaly{}, fmt.Errorf("anomaly %s: %w", id, ErrNotFound)
	}
	return a, nil
}

func (r *RedisStore) ListActiveAnomalies(ctx context.Context, deviceID string) ([]models.Anomaly, error) {
	return r.listAnomalies(ctx, activeAnomaliesKey, activeByDeviceKey(deviceID), deviceID)
}

func (r *RedisStore) ListResolvedAnomalies(ctx context.Context, deviceID string) ([]models.Anomaly, error) {
	return r.listAnomalies(ctx, resolvedAnomaliesKey, resolvedByDeviceKey(deviceID), deviceID)
}

func (r *RedisStore) listAnomalies(ctx context.Context, key, indexKey, deviceID string) ([]models.Anomaly, error) {
	var docs []string
	if deviceID == "" {
		vals, err := r.client.HVals(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list anomalies: %w", err)
		}
		docs = vals
	} else {
		ids, err := r.client.SMembers(ctx, indexKey).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list anomaly ids for %s: %w", deviceID, err)
		}
		if docs, err = r.fetchDocs(ctx, key, ids); err != nil {
			return nil, err
		}
	}

	result := make([]models.Anomaly, 0, len(docs))
	for _, doc := range docs {
		var a models.Anomaly
		if err := json.Unmarshal([]byte(doc), &a); err != nil {
			continue
		}
		result = append(result, a)
	}
	sortAnomalies(result)
	return result, nil
}

// fetchDocs loads hash fields by id, skipping ids whose document is gone.
func (r *RedisStore) fetchDocs(ctx context.Context, key string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	vals, err := r.client.HMGet(ctx, key, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load documents from %s: %w", key, err)
	}

	docs := make([]string, 0, len(vals))
	for _, v := range vals {
		if s, ok := v.(string); ok {
			docs = append(docs, s)
		}
	}
	return docs, nil
}

func (r *RedisStore) InsertIncident(ctx context.Context, resp models.IncidentResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal incident response: %w", err)
	}

	score := float64(resp.Timestamp.UnixMilli())
	var created *redis.BoolCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		created = pipe.HSetNX(ctx, incidentsKey, resp.IncidentID, data)
		pipe.ZAdd(ctx, incidentsByDeviceKey(resp.DeviceID), &redis.Z{Score: score, Member: resp.IncidentID})
		pipe.ZAdd(ctx, incidentTimelineKey, &redis.Z{Score: score, Member: resp.IncidentID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store incident response in Redis: %w", err)
	}
	if !created.Val() {
		return fmt.Errorf("incident %s: %w", resp.IncidentID, ErrDuplicate)
	}
	return nil
}

func (r *RedisStore) GetIncident(ctx context.Context, id string) (models.IncidentResponse, error) {
	return getIncident(ctx, r.client, id)
}

func getIncident(ctx context.Context, c redis.Cmdable, id string) (models.IncidentResponse, error) {
	data, err := c.HGet(ctx, incidentsKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return models.IncidentResponse{}, fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.IncidentResponse{}, fmt.Errorf("failed to get incident from Redis: %w", err)
	}

	var resp models.IncidentResponse
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		return models.IncidentResponse{}, fmt.Errorf("failed to unmarshal incident %s: %w", id, err)
	}
	return resp, nil
}

// UpdateIncident applies fn under an optimistic WATCH on the incidents hash.
func (r *RedisStore) UpdateIncident(ctx context.Context, id string, fn func(*models.IncidentResponse) error) (models.IncidentResponse, error) {
	var updated models.IncidentResponse

	txf := func(tx *redis.Tx) error {
		resp, err := getIncident(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(&resp); err != nil {
			return err
		}

		data, err := json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("failed to marshal incident response: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, incidentsKey, id, data)
			return nil
		})
		if err != nil {
			return err
		}
		updated = resp
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, incidentsKey)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return models.IncidentResponse{}, err
	}
	return models.IncidentResponse{}, fmt.Errorf("failed to update incident %s: concurrent modification", id)
}

func (r *RedisStore) ListIncidents(ctx context.Context, filter IncidentFilter) ([]models.IncidentResponse, error) {
	key := incidentTimelineKey
	if filter.DeviceID != "" {
		key = incidentsByDeviceKey(filter.DeviceID)
	}

	rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if !filter.From.IsZero() {
		rng.Min = strconv.FormatInt(filter.From.UnixMilli(), 10)
	}
	if !filter.To.IsZero() {
		rng.Max = strconv.FormatInt(filter.To.UnixMilli(), 10)
	}

	ids, err := r.client.ZRangeByScore(ctx, key, rng).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to range incidents: %w", err)
	}

	docs, err := r.fetchDocs(ctx, incidentsKey, ids)
	if err != nil {
		return nil, err
	}

	result := make([]models.IncidentResponse, 0, len(docs))
	for _, doc := range docs {
		var resp models.IncidentResponse
		if err := json.Unmarshal([]byte(doc), &resp); err != nil {
			continue
		}
		// Scores are millisecond precision; filter again on the exact timestamp.
		if filter.matches(resp) {
			result = append(result, resp)
		}
	}
	sortIncidents(result)
	return result, nil
}

func (r *RedisStore) StoreTelemetry(ctx context.Context, record models.TelemetryRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal telemetry: %w", err)
	}

	// Device timestamps can repeat; the receive sequence keeps keys unique.
	seq, err := r.client.Incr(ctx, telemetrySeqKey).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate telemetry sequence: %w", err)
	}
	key := fmt.Sprintf("telemetry:%s:%d", record.DeviceID, seq)

	if err := r.client.Set(ctx, key, data, telemetryTTL).Err(); err != nil {
		return fmt.Errorf("failed to store telemetry in Redis: %w", err)
	}

	if err := r.client.LPush(ctx, recentTelemetryKey, key).Err(); err != nil {
		return fmt.Errorf("failed to update recent telemetry list: %w", err)
	}

	r.client.LTrim(ctx, recentTelemetryKey, 0, r.history-1)
	return nil
}

// RecentTelemetry returns up to count records, newest first. Expired entries
// are skipped.
func (r *RedisStore) RecentTelemetry(ctx context.Context, count int64) ([]models.TelemetryRecord, error) {
	if count <= 0 || count > r.history {
		count = r.history
	}

	keys, err := r.client.LRange(ctx, recentTelemetryKey, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get recent telemetry keys: %w", err)
	}

	records := make([]models.TelemetryRecord, 0, len(keys))
	for _, key := range keys {
		data, err := r.client.Get(ctx, key).Result()
		if err != nil {
			continue
		}

		var record models.TelemetryRecord
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			continue
		}
		records = append(records, record)
	}

	return records, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

var _ Store = (*RedisStore)(nil)

package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSchedulerState keeps reminder timers in Redis so they survive restarts.
//
//	<prefix>:timer:<id>          JSON ReminderTimer
//	<prefix>:due                 ZSET of request ids scored by next fire (unix ms)
//	<prefix>:notified:<worker>   unix ms of the last reminder, expires after the interval
type RedisSchedulerState struct {
	Client *redis.Client
	Prefix string
}

func NewRedisSchedulerState(client *redis.Client) *RedisSchedulerState {
	return &RedisSchedulerState{Client: client, Prefix: "clearance:reminder"}
}

func (s *RedisSchedulerState) timerKey(id int) string {
	return fmt.Sprintf("%s:timer:%d", s.Prefix, id)
}

func (s *RedisSchedulerState) dueKey() string {
	return s.Prefix + ":due"
}

func (s *RedisSchedulerState) notifiedKey(recipient int) string {
	return fmt.Sprintf("%s:notified:%d", s.Prefix, recipient)
}

func (s *RedisSchedulerState) SaveTimer(ctx context.Context, t *ReminderTimer) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = s.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.timerKey(t.RequestId), b, 0)
		pipe.ZAdd(ctx, s.dueKey(), redis.Z{
			Score:  float64(t.NextFire.UnixMilli()),
			Member: strconv.Itoa(t.RequestId),
		})
		return nil
	})
	return err
}

func (s *RedisSchedulerState) LoadTimer(ctx context.Context, requestId int) (*ReminderTimer, error) {
	b, err := s.Client.Get(ctx, s.timerKey(requestId)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var t ReminderTimer
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *RedisSchedulerState) DeleteTimer(ctx context.Context, requestId int) (bool, error) {
	var del *redis.IntCmd
	_, err := s.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.timerKey(requestId))
		pipe.ZRem(ctx, s.dueKey(), strconv.Itoa(requestId))
		return nil
	})
	if err != nil {
		return false, err
	}
	return del.Val() > 0, nil
}

// ReplaceTimer watches the timer key so an Arm or Disarm that lands between
// the read and the write aborts the replace.
func (s *RedisSchedulerState) ReplaceTimer(ctx context.Context, requestId int, armId string, next *ReminderTimer) (bool, error) {
	key := s.timerKey(requestId)
	var payload []byte
	if next != nil {
		b, err := json.Marshal(next)
		if err != nil {
			return false, err
		}
		payload = b
	}
	swapped := false
	err := s.Client.Watch(ctx, func(tx *redis.Tx) error {
		b, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var cur ReminderTimer
		if err := json.Unmarshal(b, &cur); err != nil {
			return err
		}
		if cur.ArmId != armId {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			member := strconv.Itoa(requestId)
			if next == nil {
				pipe.Del(ctx, key)
				pipe.ZRem(ctx, s.dueKey(), member)
				return nil
			}
			pipe.Set(ctx, key, payload, 0)
			pipe.ZAdd(ctx, s.dueKey(), redis.Z{Score: float64(next.NextFire.UnixMilli()), Member: member})
			return nil
		})
		if err == nil {
			swapped = true
		}
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return swapped, nil
}

func (s *RedisSchedulerState) DueTimers(ctx context.Context, now time.Time) ([]int, error) {
	members, err := s.Client.ZRangeByScore(ctx, s.dueKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(members))
	for _, m := range members {
		id, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *RedisSchedulerState) LastNotified(ctx context.Context, recipient int) (time.Time, bool, error) {
	ms, err := s.Client.Get(ctx, s.notifiedKey(recipient)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

func (s *RedisSchedulerState) MarkNotified(ctx context.Context, recipient int, at time.Time, ttl time.Duration) error {
	return s.Client.Set(ctx, s.notifiedKey(recipient), at.UnixMilli(), ttl).Err()
}

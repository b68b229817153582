// Copyright 2024 The acquirecloud Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package redis provides the lock.Table on top of a Redis server. The lock
// rows live in one hash (id -> the json-encoded record) next to one counter
// key for the id sequence. The conditional insert runs as a server-side Lua
// script, so the conflict check and the write are atomic for all the clients
// of the same server.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/acquirecloud/dblock/golibs/errors"
	"github.com/acquirecloud/dblock/pkg/lock"
	"github.com/go-redis/redis/v8"
)

type (
	// Config defines the Redis table settings
	Config struct {
		// Key is the name of the hash the lock rows are stored in. The id
		// sequence lives under the key Key + ":seq".
		Key string
	}

	table struct {
		rdb *redis.Client
		cfg Config
	}
)

const defaultKey = "dblock:rows"

// insertScript walks the rows of the hash and inserts the new one only if no
// live row conflicts with it. Returns the new row id, or 0 on a conflict.
var insertScript = redis.NewScript(`
local rows = KEYS[1]
local seq = KEYS[2]
local key = ARGV[1]
local floor = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local all = redis.call('HGETALL', rows)
for i = 2, #all, 2 do
	local r = cjson.decode(all[i])
	local expire = tonumber(r.expire)
	if r.lockKey == key and tonumber(r.level) >= floor and (expire == 0 or expire >= now) then
		return 0
	end
end
local id = redis.call('INCR', seq)
local rec = cjson.decode(ARGV[4])
rec.id = id
redis.call('HSET', rows, id, cjson.encode(rec))
return id
`)

var _ lock.Table = (*table)(nil)

// New creates the lock.Table for the Redis server described by opts
func New(opts *redis.Options, cfg Config) lock.Table {
	if cfg.Key == "" {
		cfg.Key = defaultKey
	}
	return &table{rdb: redis.NewClient(opts), cfg: cfg}
}

// Install is part of lock.Table. Redis needs no schema, the hash appears with
// the first insert.
func (t *table) Install(ctx context.Context) error {
	return nil
}

// InsertIfFree is part of lock.Table
func (t *table) InsertIfFree(ctx context.Context, r lock.Record, now int64) (int64, error) {
	buf, err := json.Marshal(r)
	if err != nil {
		panic(fmt.Sprintf("could not marshal the record r=%v: %s", r, err))
	}
	res, err := insertScript.Run(ctx, t.rdb, []string{t.cfg.Key, t.seqKey()},
		r.LockKey, int64(lock.ConflictLevel(r.Level)), now, string(buf)).Int64()
	if err != nil {
		return 0, err
	}
	if res == 0 {
		return 0, errors.ErrExist
	}
	return res, nil
}

// DeleteByID is part of lock.Table
func (t *table) DeleteByID(ctx context.Context, id int64) (bool, error) {
	cnt, err := t.rdb.HDel(ctx, t.cfg.Key, strconv.FormatInt(id, 10)).Result()
	if err != nil {
		return false, err
	}
	return cnt > 0, nil
}

// DeleteByIDs is part of lock.Table
func (t *table) DeleteByIDs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	fields := make([]string, len(ids))
	for i, id := range ids {
		fields[i] = strconv.FormatInt(id, 10)
	}
	return t.rdb.HDel(ctx, t.cfg.Key, fields...).Result()
}

// ExistsAtLeast is part of lock.Table
func (t *table) ExistsAtLeast(ctx context.Context, lockKey string, minLevel lock.Level, now int64) (bool, error) {
	recs, err := t.all(ctx)
	if err != nil {
		return false, err
	}
	for _, r := range recs {
		if r.LockKey == lockKey && r.Level >= minLevel && !r.Expired(now) {
			return true, nil
		}
	}
	return false, nil
}

// Expired is part of lock.Table
func (t *table) Expired(ctx context.Context, lockKey string, now int64) ([]lock.Record, error) {
	recs, err := t.all(ctx)
	if err != nil {
		return nil, err
	}
	res := recs[:0]
	for _, r := range recs {
		if r.Expired(now) && (lockKey == "" || r.LockKey == lockKey) {
			res = append(res, r)
		}
	}
	return res, nil
}

// List is part of lock.Table
func (t *table) List(ctx context.Context) ([]lock.Record, error) {
	return t.all(ctx)
}

// ConnID is part of lock.Table. The client multiplexes the commands over a
// connection pool, so a row cannot be attributed to one stable connection.
func (t *table) ConnID(ctx context.Context) (*int64, error) {
	return nil, nil
}

// ActiveConns is part of lock.Table
func (t *table) ActiveConns(ctx context.Context) (map[int64]struct{}, error) {
	return map[int64]struct{}{}, nil
}

// Close releases the client resources
func (t *table) Close() error {
	return t.rdb.Close()
}

func (t *table) all(ctx context.Context) ([]lock.Record, error) {
	vals, err := t.rdb.HVals(ctx, t.cfg.Key).Result()
	if err != nil {
		return nil, err
	}
	res := make([]lock.Record, 0, len(vals))
	for _, v := range vals {
		var r lock.Record
		if err = json.Unmarshal([]byte(v), &r); err != nil {
			return nil, fmt.Errorf("could not unmarshal the lock record %q: %w", v, err)
		}
		res = append(res, r)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (t *table) seqKey() string {
	return t.cfg.Key + ":seq"
}

// Package fabric — Redis-backed room index for multi-pod observer counts.
//
// In a multi-pod deployment each pod runs its own Registry holding only the
// observers connected to it directly; a dashboard observer watching
// "how many people are on this room" needs a count across every pod, not
// just the local one. RedisRoomIndex keeps that cross-pod membership count
// in Redis so any pod can answer MembersAcrossPods for a room.
package fabric

import (
	"context"
	"fmt"
	"time"
)

// RedisClient is a minimal interface that any Redis library (go-redis,
// redigo) can satisfy. Fabric code doesn't import a specific driver; the
// concrete client is created and injected in cmd/server/main.go.
type RedisClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	Publish(ctx context.Context, channel string, message []byte) error
}

// RedisRoomIndex tracks room membership across pods using Redis sets keyed
// by room; CountAcrossPods reports the cluster-wide count for a room.
type RedisRoomIndex struct {
	client    RedisClient
	keyPrefix string
	memberTTL time.Duration
}

// NewRedisRoomIndex creates a new Redis-backed room index.
func NewRedisRoomIndex(client RedisClient, keyPrefix string, memberTTL time.Duration) *RedisRoomIndex {
	if keyPrefix == "" {
		keyPrefix = "proctor:rooms:"
	}
	if memberTTL == 0 {
		memberTTL = 2 * time.Minute // stored only; membership sets are not expired
	}
	return &RedisRoomIndex{
		client:    client,
		keyPrefix: keyPrefix,
		memberTTL: memberTTL,
	}
}

// RecordJoin registers that an observer on this pod joined a room.
func (ri *RedisRoomIndex) RecordJoin(ctx context.Context, room Room, observer ObserverID) error {
	key := ri.keyPrefix + "members:" + string(room)
	if err := ri.client.SAdd(ctx, key, string(observer)); err != nil {
		return fmt.Errorf("redis SADD room member: %w", err)
	}
	return nil
}

// RecordLeave removes an observer from a room's membership set.
func (ri *RedisRoomIndex) RecordLeave(ctx context.Context, room Room, observer ObserverID) error {
	key := ri.keyPrefix + "members:" + string(room)
	if err := ri.client.SRem(ctx, key, string(observer)); err != nil {
		return fmt.Errorf("redis SREM room member: %w", err)
	}
	return nil
}

// RecordDisconnect removes an observer from every room it may belong to.
func (ri *RedisRoomIndex) RecordDisconnect(ctx context.Context, observer ObserverID, rooms []Room) error {
	for _, room := range rooms {
		if err := ri.RecordLeave(ctx, room, observer); err != nil {
			return err
		}
	}
	return nil
}

// MembersAcrossPods returns the observer IDs currently subscribed to a room
// on any pod.
func (ri *RedisRoomIndex) MembersAcrossPods(ctx context.Context, room Room) ([]ObserverID, error) {
	key := ri.keyPrefix + "members:" + string(room)
	members, err := ri.client.SMembers(ctx, key)
	if err != nil {
		return nil, err
	}
	ids := make([]ObserverID, len(members))
	for i, m := range members {
		ids[i] = ObserverID(m)
	}
	return ids, nil
}

// CountAcrossPods returns the cluster-wide observer count for a room.
func (ri *RedisRoomIndex) CountAcrossPods(ctx context.Context, room Room) (int, error) {
	members, err := ri.MembersAcrossPods(ctx, room)
	if err != nil {
		return 0, err
	}
	return len(members), nil
}

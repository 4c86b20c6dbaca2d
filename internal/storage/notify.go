package storage

import (
	"context"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
)

// NotifyChannel is a Postgres LISTEN/NOTIFY channel name.
const (
	// ChannelOplog carries change-feed entries emitted by the trigger
	// installed on every watched collection's table.
	ChannelOplog = "oplogwatch_entries"
	// ChannelFence carries WaitUntilCaughtUp round-trip markers.
	ChannelFence = "oplogwatch_fence"
)

// Listen starts listening on the specified channel using the dedicated notify connection.
// Returns an error if no notify connection is configured. The channel is
// tracked so reconnectNotify can re-subscribe to it after a dropped connection.
func (db *DB) Listen(ctx context.Context, channel string) error {
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()
	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	_, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	if err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	if !slices.Contains(db.listenChannels, channel) {
		db.listenChannels = append(db.listenChannels, channel)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on any listened channel.
// Returns the channel name and payload.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	db.notifyMu.Lock()
	conn := db.notifyConn
	db.notifyMu.Unlock()
	if conn == nil {
		return "", "", fmt.Errorf("storage: notify connection not configured")
	}
	notification, err := conn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return notification.Channel, notification.Payload, nil
}

// WaitForNotificationWithReconnect behaves like WaitForNotification, but
// transparently rebuilds the dedicated LISTEN/NOTIFY connection with
// jittered backoff (re-subscribing to every tracked channel) instead of
// surfacing a dropped-connection error to the caller.
func (db *DB) WaitForNotificationWithReconnect(ctx context.Context) (channel, payload string, err error) {
	for {
		channel, payload, err = db.WaitForNotification(ctx)
		if err == nil {
			return channel, payload, nil
		}
		if ctx.Err() != nil {
			return "", "", err
		}

		db.notifyMu.Lock()
		recErr := db.reconnectNotify(ctx)
		db.notifyMu.Unlock()
		if recErr != nil {
			return "", "", fmt.Errorf("storage: notify connection lost and could not reconnect: %w", recErr)
		}
	}
}

// Notify sends a notification on the specified channel.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	_, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	if err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}

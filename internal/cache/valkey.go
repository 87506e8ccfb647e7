package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

// Valkey is a Store shared by every instance pointed at the same server.
type Valkey struct {
	client    valkey.Client
	prefix    string
	retention time.Duration
}

// DialValkey connects and pings addr.
func DialValkey(ctx context.Context, addr, password string) (valkey.Client, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:      []string{addr},
		Password:         password,
		ConnWriteTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("create valkey client: %w", err)
	}
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping valkey: %w", err)
	}
	return client, nil
}

func NewValkey(client valkey.Client, prefix string, retention time.Duration) *Valkey {
	if prefix == "" {
		prefix = "sportsfeed"
	}
	if retention < time.Second {
		retention = time.Hour
	}
	return &Valkey{client: client, prefix: prefix, retention: retention}
}

func (v *Valkey) payloadKey(key string) string {
	return v.prefix + ":feed:" + key
}

func (v *Valkey) generationKey() string {
	return v.prefix + ":generation"
}

func (v *Valkey) Get(ctx context.Context, key string) (Entry, bool, error) {
	raw, err := v.client.Do(ctx, v.client.B().Get().Key(v.payloadKey(key)).Build()).AsBytes()
	if valkey.IsValkeyNil(err) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("valkey get %s: %w", key, err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode cached payload %s: %w", key, err)
	}
	return e, true, nil
}

func (v *Valkey) Set(ctx context.Context, key string, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	cmd := v.client.B().Set().
		Key(v.payloadKey(key)).
		Value(valkey.BinaryString(raw)).
		ExSeconds(int64(v.retention / time.Second)).
		Build()
	if err := v.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("valkey set %s: %w", key, err)
	}
	return nil
}

func (v *Valkey) Generation(ctx context.Context) (uint64, error) {
	n, err := v.client.Do(ctx, v.client.B().Get().Key(v.generationKey()).Build()).AsInt64()
	if valkey.IsValkeyNil(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("valkey generation: %w", err)
	}
	return uint64(n), nil
}

func (v *Valkey) Bump(ctx context.Context) (uint64, error) {
	n, err := v.client.Do(ctx, v.client.B().Incr().Key(v.generationKey()).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("valkey bump generation: %w", err)
	}
	return uint64(n), nil
}

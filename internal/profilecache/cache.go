package profilecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

var ErrNoNamespace = errors.New("profile cache namespace is required")

// Cache persists Records in a Storage under the three logical keys and runs
// every read through Check. Records are replaced wholesale, never patched.
type Cache struct {
	storage Storage
	window  time.Duration
	logger  *zap.Logger
}

func New(storage Storage, window time.Duration, logger *zap.Logger) *Cache {
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{storage: storage, window: window, logger: logger}
}

func (c *Cache) Window() time.Duration {
	return c.window
}

// Load returns the cached profile when it passes Check. Any other verdict
// wipes the namespace, except Missing with nothing stored.
func (c *Cache) Load(ctx context.Context, namespace, currentOwnerID string, now time.Time) (map[string]any, Verdict, error) {
	ns := normalizeNamespace(namespace)
	if ns == "" {
		return nil, Missing, ErrNoNamespace
	}

	rec, found, err := c.read(ctx, ns)
	if err != nil {
		return nil, Missing, err
	}
	if !found {
		return nil, Missing, nil
	}

	verdict := Check(rec, currentOwnerID, now, c.window)
	if verdict == Valid {
		return rec.ProfileData, Valid, nil
	}

	c.logger.Debug("discarding cached profile",
		zap.String("namespace", ns),
		zap.Stringer("verdict", verdict),
	)
	if err := c.Clear(ctx, ns); err != nil {
		return nil, verdict, err
	}
	return nil, verdict, nil
}

func (c *Cache) Save(ctx context.Context, namespace string, profileData map[string]any, currentOwnerID string, now time.Time) error {
	ns := normalizeNamespace(namespace)
	if ns == "" {
		return ErrNoNamespace
	}
	rec := Store(profileData, currentOwnerID, now)
	encoded, err := json.Marshal(rec.ProfileData)
	if err != nil {
		return fmt.Errorf("encode cached profile: %w", err)
	}

	values := map[string]string{
		KeyProfile:   string(encoded),
		KeyCheckTime: strconv.FormatInt(rec.CachedAtMs, 10),
		KeyOwnerID:   rec.OwnerID,
	}
	for _, key := range recordKeys {
		if err := c.storage.Set(ctx, ns, key, values[key]); err != nil {
			return fmt.Errorf("write %s: %w", key, err)
		}
	}
	return nil
}

func (c *Cache) Clear(ctx context.Context, namespace string) error {
	ns := normalizeNamespace(namespace)
	if ns == "" {
		return ErrNoNamespace
	}
	if err := c.storage.Delete(ctx, ns, recordKeys...); err != nil {
		return fmt.Errorf("clear cached profile: %w", err)
	}
	return nil
}

// read decodes the stored keys. A namespace holding keys that do not decode
// comes back as found with a nil record, so Load fails closed and wipes it.
func (c *Cache) read(ctx context.Context, ns string) (*Record, bool, error) {
	rawProfile, hasProfile, err := c.storage.Get(ctx, ns, KeyProfile)
	if err != nil {
		return nil, false, err
	}
	rawCheck, hasCheck, err := c.storage.Get(ctx, ns, KeyCheckTime)
	if err != nil {
		return nil, false, err
	}
	owner, hasOwner, err := c.storage.Get(ctx, ns, KeyOwnerID)
	if err != nil {
		return nil, false, err
	}
	if !hasProfile && !hasCheck && !hasOwner {
		return nil, false, nil
	}
	if !hasProfile || !hasCheck {
		return nil, true, nil
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(rawProfile), &data); err != nil || data == nil {
		return nil, true, nil
	}
	cachedAt, err := strconv.ParseInt(strings.TrimSpace(rawCheck), 10, 64)
	if err != nil {
		return nil, true, nil
	}
	return &Record{
		ProfileData: data,
		OwnerID:     owner,
		CachedAtMs:  cachedAt,
	}, true, nil
}

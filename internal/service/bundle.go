package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gramvpn/provisioning-service/internal/cache"
	"github.com/gramvpn/provisioning-service/internal/models"
	apperrors "github.com/gramvpn/provisioning-service/internal/pkg/errors"
)

// linkTokenLength is the number of hex characters kept from the HMAC.
const linkTokenLength = 32

// BundleBuilder turns connection URIs into an importable subscription.
// Links carry an HMAC token over the user id and expiry, so they cannot be
// derived from a Telegram id alone.
type BundleBuilder struct {
	brand   string
	baseURL string
	linkKey []byte
	now     func() time.Time
}

func NewBundleBuilder(brand, publicBaseURL string, linkKey []byte) *BundleBuilder {
	return &BundleBuilder{
		brand:   brand,
		baseURL: strings.TrimRight(publicBaseURL, "/"),
		linkKey: linkKey,
		now:     time.Now,
	}
}

// LinkToken signs "<externalID>:<expire>" with key.
func LinkToken(key []byte, externalID int64, expire int64) string {
	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%d:%d", externalID, expire)
	return hex.EncodeToString(mac.Sum(nil))[:linkTokenLength]
}

// Build assembles the bundle. The content is base64 of a few '#' header
// lines followed by the URIs, one per line, in the given order.
func (b *BundleBuilder) Build(uris []string, externalID int64, expiresAt time.Time) (*models.SubscriptionBundle, error) {
	if len(uris) == 0 {
		return nil, apperrors.EmptyBundle()
	}

	lines := make([]string, 0, len(uris)+3)
	lines = append(lines,
		fmt.Sprintf("# %s Subscription", b.brand),
		fmt.Sprintf("# Generated: %s", b.now().UTC().Format(time.RFC3339)),
		fmt.Sprintf("# Total Servers: %d", len(uris)),
	)
	lines = append(lines, uris...)

	id := strconv.FormatInt(externalID, 10)
	expire := strconv.FormatInt(expiresAt.Unix(), 10)
	token := LinkToken(b.linkKey, externalID, expiresAt.Unix())
	direct := fmt.Sprintf("%s/subscription/%s?expire=%s&token=%s&type=v2raytun", b.baseURL, id, expire, token)

	return &models.SubscriptionBundle{
		ExternalID:     externalID,
		URIs:           append([]string(nil), uris...),
		Content:        base64.StdEncoding.EncodeToString([]byte(strings.Join(lines, "\n"))),
		Direct:         direct,
		ImportDeepLink: "v2raytun://import/" + url.QueryEscape(direct),
		QR:             fmt.Sprintf("%s/qr/%s?expire=%s&token=%s", b.baseURL, id, expire, token),
		Token:          token,
		ExpiresAt:      expiresAt,
	}, nil
}

// DecodeBundleContent reverses the content encoding and drops header lines.
func DecodeBundleContent(content string) ([]string, error) {
	raw, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("decode bundle content: %w", err)
	}

	var uris []string
	for _, line := range strings.Split(string(raw), "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		uris = append(uris, line)
	}
	return uris, nil
}

const bundleKeyPrefix = "bundle:"

// BundleStore keeps the latest bundle per user until its subscription
// expires, so the direct and QR links resolve.
type BundleStore struct {
	cache cache.Cache
	now   func() time.Time
}

func NewBundleStore(c cache.Cache) *BundleStore {
	return &BundleStore{cache: c, now: time.Now}
}

func (s *BundleStore) Save(ctx context.Context, bundle *models.SubscriptionBundle) error {
	ttl := bundle.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("marshal bundle: %w", err)
	}
	return s.cache.Set(ctx, bundleKeyPrefix+strconv.FormatInt(bundle.ExternalID, 10), string(data), ttl)
}

func (s *BundleStore) Load(ctx context.Context, externalID int64) (*models.SubscriptionBundle, error) {
	data, ok, err := s.cache.Get(ctx, bundleKeyPrefix+strconv.FormatInt(externalID, 10))
	if err != nil {
		return nil, fmt.Errorf("load bundle: %w", err)
	}
	if !ok {
		return nil, apperrors.BundleNotFound()
	}

	var bundle models.SubscriptionBundle
	if err := json.Unmarshal([]byte(data), &bundle); err != nil {
		return nil, fmt.Errorf("unmarshal bundle: %w", err)
	}
	return &bundle, nil
}

// LoadForLink returns the bundle only when expire and token match the links
// issued with it. Any mismatch looks like a missing bundle.
func (s *BundleStore) LoadForLink(ctx context.Context, externalID int64, expire, token string) (*models.SubscriptionBundle, error) {
	bundle, err := s.Load(ctx, externalID)
	if err != nil {
		return nil, err
	}

	if expire != strconv.FormatInt(bundle.ExpiresAt.Unix(), 10) ||
		bundle.Token == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(bundle.Token)) != 1 {
		return nil, apperrors.BundleNotFound()
	}
	return bundle, nil
}

package images

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// Variant keys in the image configuration. Jobs run the jobs-framework
// variant, the webservice one is accepted for compatibility.
const (
	VariantJobs       = "jobs-framework"
	VariantWebservice = "webservice"

	configContainerTag = "latest"
)

// ConfigEntry is one image of the platform image configuration.
type ConfigEntry struct {
	State    string                  `yaml:"state"`
	Aliases  []string                `yaml:"aliases"`
	Variants map[string]ConfigVariant `yaml:"variants"`
}

// ConfigVariant points at the registry path of one image flavour.
type ConfigVariant struct {
	Image string `yaml:"image"`
}

// ConfigLoader fetches the image configuration from wherever it lives.
type ConfigLoader interface {
	Load(ctx context.Context) (map[string]ConfigEntry, error)
}

// ConfigMapLoader reads the image configuration from a ConfigMap.
type ConfigMapLoader struct {
	Client    kubernetes.Interface
	Namespace string
	Name      string
	Key       string
}

// Load implements ConfigLoader.
func (l *ConfigMapLoader) Load(ctx context.Context) (map[string]ConfigEntry, error) {
	cm, err := l.Client.CoreV1().ConfigMaps(l.Namespace).Get(ctx, l.Name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get image config %s/%s: %w", l.Namespace, l.Name, err)
	}

	raw, ok := cm.Data[l.Key]
	if !ok {
		return nil, fmt.Errorf("image config %s/%s has no key %q", l.Namespace, l.Name, l.Key)
	}

	entries := map[string]ConfigEntry{}
	if err := yaml.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("failed to parse image config: %w", err)
	}
	return entries, nil
}

// StaticLoader serves a fixed configuration. An empty one is used when
// image loading is disabled.
type StaticLoader map[string]ConfigEntry

// Load implements ConfigLoader.
func (s StaticLoader) Load(context.Context) (map[string]ConfigEntry, error) {
	return s, nil
}

// ConfigCache keeps the last loaded configuration together with the time
// it was loaded. One cache is shared by the whole process.
type ConfigCache struct {
	loader ConfigLoader
	now    func() time.Time

	mu            sync.Mutex
	value         map[string]ConfigEntry
	lastRefreshed time.Time
}

// NewConfigCache creates an empty cache around loader.
func NewConfigCache(loader ConfigLoader) *ConfigCache {
	return &ConfigCache{loader: loader, now: time.Now}
}

// Get returns the cached configuration, reloading it first when it is
// older than refreshInterval or was never loaded.
func (c *ConfigCache) Get(ctx context.Context, refreshInterval time.Duration) (map[string]ConfigEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.value != nil && c.now().Sub(c.lastRefreshed) < refreshInterval {
		return c.value, nil
	}

	value, err := c.loader.Load(ctx)
	if err != nil {
		return nil, err
	}
	if value == nil {
		value = map[string]ConfigEntry{}
	}
	c.value = value
	c.lastRefreshed = c.now()
	return c.value, nil
}

// Invalidate drops the cached configuration.
func (c *ConfigCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = nil
	c.lastRefreshed = time.Time{}
}

// LastRefreshed reports when the configuration was last loaded.
func (c *ConfigCache) LastRefreshed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRefreshed
}

// ErrNoImages is returned when the configuration yields no usable image.
var ErrNoImages = errors.New("empty list of available images")

// prebuiltImages flattens the configuration into images, sorted by name
// so listings are stable.
func prebuiltImages(entries map[string]ConfigEntry, ignoreWebVariant bool) []Image {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	variants := []string{VariantJobs}
	if !ignoreWebVariant {
		variants = append(variants, VariantWebservice)
	}

	var out []Image
	for _, name := range names {
		entry := entries[name]
		for _, key := range variants {
			variant, ok := entry.Variants[key]
			if !ok {
				continue
			}
			out = append(out, Image{
				CanonicalName: name,
				Type:          TypeStandard,
				Aliases:       append([]string(nil), entry.Aliases...),
				Container:     variant.Image + ":" + configContainerTag,
				State:         entry.State,
			})
		}
	}
	return out
}
